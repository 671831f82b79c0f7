// Package soap implements the DHPO-style eClaimLink transaction
// fetcher: WS-Security SOAP calls to search, download, and acknowledge
// claim/remittance transactions, polled per facility on an interval with
// bounded concurrent downloads.
package soap

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/claims-ingest/engine/internal/fetcher"
)

const maxResponseBytes = 64 << 20

// Credentials are one facility's eClaimLink login.
type Credentials struct {
	Facility string
	Username string
	Password string
}

// Config controls one Fetcher instance, which polls every facility in
// Facilities against the same Endpoint.
type Config struct {
	Endpoint   string
	Facilities []Credentials

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	RetriesMax   int
	BaseDelay    time.Duration
	CapDelay     time.Duration

	DownloadConcurrency int
	SearchDays          int
	PollInterval        time.Duration
}

// TransactionListing is one entry from SearchTransactions.
type TransactionListing struct {
	TransactionID string
	FileName      string
}

// Fetcher polls eClaimLink on behalf of every configured facility.
type Fetcher struct {
	cfg    Config
	client *http.Client

	mu     sync.Mutex
	paused bool
}

// New builds a Fetcher from cfg, with a default HTTP client tuned to
// cfg's timeouts.
func New(cfg Config) *Fetcher {
	f := &Fetcher{cfg: cfg}
	f.client = &http.Client{
		Timeout: cfg.ConnectTimeout + cfg.ReadTimeout,
	}
	return f
}

// WithHTTPClient overrides the HTTP client, primarily for tests.
func (f *Fetcher) WithHTTPClient(c *http.Client) *Fetcher {
	f.client = c
	return f
}

func (f *Fetcher) Pause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

func (f *Fetcher) Resume() {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
}

func (f *Fetcher) isPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

// Start launches one poll loop goroutine per configured facility and
// blocks until ctx is cancelled.
func (f *Fetcher) Start(ctx context.Context, onReady fetcher.OnReady) error {
	var wg sync.WaitGroup
	for _, c := range f.cfg.Facilities {
		wg.Add(1)
		go func(creds Credentials) {
			defer wg.Done()
			f.pollLoop(ctx, creds, onReady)
		}(c)
	}
	wg.Wait()
	return ctx.Err()
}

func (f *Fetcher) pollLoop(ctx context.Context, creds Credentials, onReady fetcher.OnReady) {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if !f.isPaused() {
			if err := f.pollOnce(ctx, creds, onReady); err != nil && ctx.Err() == nil {
				log.Printf("soap: poll cycle failed facility=%s err=%v", creds.Facility, err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce searches for new transactions and downloads each one
// concurrently, bounded by DownloadConcurrency, queuing each successful
// download via onReady with requeue-on-saturation semantics left to the
// caller.
func (f *Fetcher) pollOnce(ctx context.Context, creds Credentials, onReady fetcher.OnReady) error {
	listings, err := f.searchTransactions(ctx, creds)
	if err != nil {
		return fmt.Errorf("soap: search transactions for %s: %w", creds.Facility, err)
	}

	sem := make(chan struct{}, max(1, f.cfg.DownloadConcurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, l := range listings {
		wg.Add(1)
		sem <- struct{}{}
		go func(listing TransactionListing) {
			defer wg.Done()
			defer func() { <-sem }()

			body, err := f.getTransaction(ctx, creds, listing.TransactionID)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			if err := onReady(ctx, listing.TransactionID, body, creds.Facility); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(l)
	}
	wg.Wait()
	return firstErr
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (f *Fetcher) credentialsFor(facility string) (Credentials, bool) {
	for _, c := range f.cfg.Facilities {
		if c.Facility == facility {
			return c, true
		}
	}
	return Credentials{}, false
}

// --- WS-Security SOAP envelope ---

type envelope struct {
	XMLName xml.Name    `xml:"soap:Envelope"`
	XmlnsS  string      `xml:"xmlns:soap,attr"`
	Header  soapHeader  `xml:"soap:Header"`
	Body    interface{} `xml:"soap:Body"`
}

type soapHeader struct {
	Security wsSecurity `xml:"wsse:Security"`
}

type wsSecurity struct {
	XmlnsWsse     string        `xml:"xmlns:wsse,attr"`
	UsernameToken usernameToken `xml:"wsse:UsernameToken"`
}

type usernameToken struct {
	Username string `xml:"wsse:Username"`
	Password string `xml:"wsse:Password"`
}

type searchTransactionsRequest struct {
	XMLName xml.Name `xml:"SearchTransactions"`
	Facility string  `xml:"Facility"`
	FromDate string  `xml:"FromDate"`
	ToDate   string  `xml:"ToDate"`
}

type searchTransactionsResponse struct {
	XMLName      xml.Name `xml:"SearchTransactionsResponse"`
	Transactions []struct {
		TransactionID string `xml:"TransactionID"`
		FileName      string `xml:"FileName"`
	} `xml:"Transactions>Transaction"`
}

type getTransactionRequest struct {
	XMLName       xml.Name `xml:"GetTransaction"`
	TransactionID string   `xml:"TransactionID"`
}

type getTransactionResponse struct {
	XMLName xml.Name `xml:"GetTransactionResponse"`
	FileBytes string `xml:"FileBytes"`
}

type setDownloadedRequest struct {
	XMLName       xml.Name `xml:"SetTransactionDownloaded"`
	TransactionID string   `xml:"TransactionID"`
}

type setDownloadedResponse struct {
	XMLName xml.Name `xml:"SetTransactionDownloadedResponse"`
	Success bool     `xml:"Success"`
}

// permanentError marks a 4xx SOAP fault as non-retryable.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// IsPermanent reports whether err came from a non-retryable SOAP fault.
func IsPermanent(err error) bool {
	var p *permanentError
	return err != nil && asPermanent(err, &p)
}

func asPermanent(err error, target **permanentError) bool {
	for err != nil {
		if p, ok := err.(*permanentError); ok {
			*target = p
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// call POSTs env to the endpoint, retrying transient (5xx, network)
// failures with bounded exponential backoff; 4xx responses are treated as
// permanent and returned immediately.
func (f *Fetcher) call(ctx context.Context, creds Credentials, env envelope, rawOut *[]byte) error {
	payload, err := xml.Marshal(env)
	if err != nil {
		return fmt.Errorf("soap: marshaling request: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.cfg.BaseDelay
	bo.MaxInterval = f.cfg.CapDelay
	bo.MaxElapsedTime = 0
	bounded := backoff.WithMaxRetries(bo, uint64(f.cfg.RetriesMax))

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.Endpoint, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("soap: building request: %w", err))
		}
		req.Header.Set("Content-Type", "text/xml; charset=utf-8")

		resp, err := f.client.Do(req)
		if err != nil {
			return fmt.Errorf("soap: request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("soap: reading response: %w", err)
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("soap: server error %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(&permanentError{err: fmt.Errorf("soap: client error %d: %s", resp.StatusCode, body)})
		}

		if rawOut != nil {
			*rawOut = body
		}
		return nil
	}, bounded)
}

func (f *Fetcher) envelopeFor(creds Credentials, body interface{}) envelope {
	return envelope{
		XmlnsS: "http://schemas.xmlsoap.org/soap/envelope/",
		Header: soapHeader{Security: wsSecurity{
			XmlnsWsse: "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd",
			UsernameToken: usernameToken{
				Username: creds.Username,
				Password: creds.Password,
			},
		}},
		Body: body,
	}
}

func (f *Fetcher) searchTransactions(ctx context.Context, creds Credentials) ([]TransactionListing, error) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -f.cfg.SearchDays)

	req := searchTransactionsRequest{
		Facility: creds.Facility,
		FromDate: from.Format("2006-01-02"),
		ToDate:   now.Format("2006-01-02"),
	}

	var raw []byte
	if err := f.call(ctx, creds, f.envelopeFor(creds, req), &raw); err != nil {
		return nil, err
	}

	var parsed struct {
		Body struct {
			Response searchTransactionsResponse `xml:"SearchTransactionsResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("soap: unmarshaling search response: %w", err)
	}

	listings := make([]TransactionListing, 0, len(parsed.Body.Response.Transactions))
	for _, t := range parsed.Body.Response.Transactions {
		listings = append(listings, TransactionListing{TransactionID: t.TransactionID, FileName: t.FileName})
	}
	return listings, nil
}

func (f *Fetcher) getTransaction(ctx context.Context, creds Credentials, transactionID string) ([]byte, error) {
	req := getTransactionRequest{TransactionID: transactionID}

	var raw []byte
	if err := f.call(ctx, creds, f.envelopeFor(creds, req), &raw); err != nil {
		return nil, err
	}

	var parsed struct {
		Body struct {
			Response getTransactionResponse `xml:"GetTransactionResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("soap: unmarshaling get-transaction response: %w", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(parsed.Body.Response.FileBytes)
	if err != nil {
		return nil, fmt.Errorf("soap: decoding file bytes for %s: %w", transactionID, err)
	}
	return decoded, nil
}

// SetTransactionDownloaded acknowledges transactionID to eClaimLink so it
// is not returned by a future SearchTransactions call. The ack must carry
// the credentials of the facility the file was downloaded for.
func (f *Fetcher) SetTransactionDownloaded(ctx context.Context, facility, transactionID string) error {
	creds, ok := f.credentialsFor(facility)
	if !ok {
		return fmt.Errorf("soap: no credentials configured for facility %q", facility)
	}
	req := setDownloadedRequest{TransactionID: transactionID}

	var raw []byte
	if err := f.call(ctx, creds, f.envelopeFor(creds, req), &raw); err != nil {
		return err
	}

	var parsed struct {
		Body struct {
			Response setDownloadedResponse `xml:"SetTransactionDownloadedResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("soap: unmarshaling ack response: %w", err)
	}
	if !parsed.Body.Response.Success {
		return fmt.Errorf("soap: ack rejected for transaction %s", transactionID)
	}
	return nil
}
