package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/claims-ingest/engine/internal/acker"
	"github.com/claims-ingest/engine/internal/fetcher/localfs"
	"github.com/claims-ingest/engine/internal/fetcher/soap"
	"github.com/claims-ingest/engine/internal/orchestrator"
	"github.com/claims-ingest/engine/internal/refdata"
	"github.com/claims-ingest/engine/internal/telemetry"
	"github.com/claims-ingest/engine/internal/worker"
)

var runCmd = &cobra.Command{
	Use:     "run",
	Short:   "Start the ingestion engine and run until interrupted",
	GroupID: "run",
	RunE: func(cmd *cobra.Command, args []string) error {
		shutdownTelemetry, err := telemetry.Setup(rootCtx, telemetry.Config{
			Exporter:       cfg.Telemetry.MetricsExporter,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			ExportInterval: cfg.Telemetry.ExportInterval,
		})
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				log.Printf("run: flushing telemetry: %v", err)
			}
		}()

		st, err := openStorage(rootCtx)
		if err != nil {
			return err
		}
		defer st.Close()

		src, err := buildSource()
		if err != nil {
			return err
		}

		resolver := refdata.New(st, cfg.Refdata.AutoInsert, 0)
		pool := worker.NewPool(cfg.Ingestion.Workers, 1, st, resolver, cfg.Ingestion.FileTimeout)

		orchCfg := orchestrator.Config{
			Workers:            cfg.Ingestion.Workers,
			Overflow:           1,
			QueueCapacity:      cfg.Ingestion.QueueCapacity,
			PauseThresholdPct:  cfg.Ingestion.PauseThresholdPct,
			ResumeThresholdPct: cfg.Ingestion.ResumeThresholdPct,
			FileTimeout:        cfg.Ingestion.FileTimeout,
		}
		o := orchestrator.New(orchCfg, []orchestrator.Source{src}, st, pool)
		return o.Run(rootCtx)
	},
}

// buildSource wires exactly one active Fetcher/Acker pair per run: the
// SOAP poller when facility credentials are configured, otherwise the
// local-filesystem watcher. Running both at once would require the
// orchestrator to route acks by per-facility name rather than by source,
// which nothing needs yet.
func buildSource() (orchestrator.Source, error) {
	if len(cfg.SOAP.Facilities) > 0 {
		var creds []soap.Credentials
		for _, f := range cfg.SOAP.Facilities {
			creds = append(creds, soap.Credentials{Facility: f.Name, Username: f.Username, Password: f.Password})
		}
		f := soap.New(soap.Config{
			Endpoint:            cfg.SOAP.Endpoint,
			Facilities:          creds,
			ConnectTimeout:      cfg.SOAP.ConnectTimeout,
			ReadTimeout:         cfg.SOAP.ReadTimeout,
			RetriesMax:          cfg.SOAP.RetriesMax,
			BaseDelay:           cfg.SOAP.RetriesBaseDelay,
			CapDelay:            cfg.SOAP.RetriesCapDelay,
			DownloadConcurrency: cfg.SOAP.DownloadConcurrency,
			SearchDays:          cfg.SOAP.SearchDays,
			PollInterval:        cfg.SOAP.PollInterval,
		})
		return orchestrator.Source{Name: "soap", Fetcher: f, Acker: &acker.SOAPAcker{Fetcher: f}}, nil
	}

	if cfg.LocalFS.ReadyDir != "" {
		f := localfs.New(localfs.Config{
			WatchDir:       cfg.LocalFS.ReadyDir,
			DebounceDelay:  0,
			FileGlob:       cfg.LocalFS.FileGlob,
			RescanInterval: cfg.LocalFS.ScanInterval,
		})
		return orchestrator.Source{
			Name:    "localfs",
			Fetcher: f,
			Acker:   &acker.LocalFSAcker{DoneDir: cfg.LocalFS.DoneDir, ErrorDir: cfg.LocalFS.ErrorDir},
		}, nil
	}

	return orchestrator.Source{}, fmt.Errorf("run: no source configured (set soap.facilities or localfs.ready_dir)")
}
