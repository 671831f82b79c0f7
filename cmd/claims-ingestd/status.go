package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Print the latest ingestion run summary",
	GroupID: "ops",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStorage(rootCtx)
		if err != nil {
			return err
		}
		defer st.Close()

		run, err := st.LatestIngestionRun(rootCtx)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		if run == nil {
			fmt.Println("no ingestion run has been recorded yet")
			return nil
		}

		fmt.Printf("run %d: %s\n", run.ID, run.Status)
		fmt.Printf("  started:  %s\n", run.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
		if run.EndedAt != nil {
			fmt.Printf("  ended:    %s\n", run.EndedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		fmt.Printf("  discovered=%d pulled=%d ok=%d already=%d failed=%d acks_sent=%d\n",
			run.Discovered, run.Pulled, run.OK, run.Already, run.Failed, run.AcksSent)
		if run.Reason != "" {
			fmt.Printf("  reason: %s\n", run.Reason)
		}

		errs, err := st.ErrorsForRun(rootCtx, run.ID)
		if err != nil {
			return fmt.Errorf("status: loading errors: %w", err)
		}
		if len(errs) > 0 {
			fmt.Printf("  %d ingestion error(s):\n", len(errs))
			for _, e := range errs {
				fmt.Printf("    file=%s stage=%s code=%s %s\n", e.FileID, e.Stage, e.ErrorCode, e.Message)
			}
		}
		return nil
	},
}
