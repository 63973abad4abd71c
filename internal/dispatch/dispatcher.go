// ============================================================================
// Request Dispatcher
// ============================================================================
//
// Package: internal/dispatch
// File: dispatcher.go
// Purpose: Execute one scraping request: pick a proxy and user agent, wait
//          out the host's politeness delay, run the HTTP exchange, classify
//          the outcome and feed it back to the governor and proxy manager.
//
// The dispatcher always returns a received response to the caller, blocked
// or not; the worker decides what a block means for the job. Feedback
// reports run fire-and-forget through the Reporter and can never fail a
// request.
//
// ============================================================================

package dispatch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/projectdiscovery/utils/errkit"

	"github.com/adaptivescrape/asc/internal/governor"
	"github.com/adaptivescrape/asc/internal/metrics"
	"github.com/adaptivescrape/asc/internal/proxy"
	"github.com/adaptivescrape/asc/internal/useragent"
	"github.com/adaptivescrape/asc/pkg/types"
)

const (
	// Separate bounds for the header exchange and the body read.
	headerTimeout = 30 * time.Second
	bodyTimeout   = 30 * time.Second

	// Automatic redirects are followed at most this many times; the next
	// redirect response is returned as the final response.
	maxRedirects = 5

	// maxBodyBytes caps how much of a response body is read.
	maxBodyBytes = 10 << 20
)

// defaultHeaders are sent unless the job overrides them. Setting
// Accept-Encoding explicitly disables Go's transparent gzip, so the
// dispatcher decodes bodies itself.
var defaultHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.5",
	"Accept-Encoding": "gzip, deflate, br",
	"Connection":      "keep-alive",
}

// Response is the dispatch outcome handed to the worker.
type Response struct {
	Body       string
	StatusCode int
	FinalURL   string
	Blocked    bool
}

// Dispatcher composes and executes scraping requests. One instance per
// process, shared by all job loops.
type Dispatcher struct {
	governor  *governor.Governor
	proxies   *proxy.Manager
	agents    *useragent.Rotator
	reporter  *Reporter
	collector *metrics.Collector
	log       *slog.Logger
}

// New wires a dispatcher. reporter and collector may be nil; feedback then
// runs synchronously and metrics are skipped.
func New(gov *governor.Governor, proxies *proxy.Manager, agents *useragent.Rotator, reporter *Reporter, collector *metrics.Collector) *Dispatcher {
	return &Dispatcher{
		governor:  gov,
		proxies:   proxies,
		agents:    agents,
		reporter:  reporter,
		collector: collector,
		log:       slog.With("component", "dispatch"),
	}
}

// Dispatch fetches the job URL. The context interrupts the politeness delay
// (shutdown); a request already on the wire completes or times out on its
// own 30 s bounds.
func (d *Dispatcher) Dispatch(ctx context.Context, job *types.Job) (*Response, error) {
	u, err := url.Parse(job.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errkit.New(fmt.Sprintf("invalid job URL %q", job.URL)).
			SetKind(types.ErrKindInvalidURL).
			Build()
	}
	host := strings.ToLower(u.Hostname())

	pick := d.proxies.Next()
	ua := d.agents.Next()

	if err := d.waitDelay(ctx, host); err != nil {
		return nil, err
	}

	req, err := d.buildRequest(job, u, ua)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: headerTimeout}).DialContext,
		TLSHandshakeTimeout:   headerTimeout,
		ResponseHeaderTimeout: headerTimeout,
	}
	if pick != nil {
		transport.Proxy = http.ProxyURL(pick.URL)
	}
	// The per-call transport holds the proxy connection; release it on
	// every exit path.
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			// via holds the initial request too, so this follows at most
			// maxRedirects redirects before handing back the last 3xx.
			if len(via) > maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		d.report(host, pick, false)
		errx := errkit.FromError(err)
		errx.ResetKind().SetKind(types.ErrKindRequestFailed)
		return nil, errkit.WithMessagef(errx.Build(), "request to %s failed", job.URL)
	}

	body, err := readBody(resp)
	if d.collector != nil {
		d.collector.ObserveFetchDuration(time.Since(start).Seconds())
	}
	if err != nil {
		d.report(host, pick, false)
		errx := errkit.FromError(err)
		errx.ResetKind().SetKind(types.ErrKindRequestFailed)
		return nil, errkit.WithMessagef(errx.Build(), "reading body from %s failed", job.URL)
	}

	blocked := d.governor.IsBlocked(resp.StatusCode, body)
	successful := !blocked && resp.StatusCode >= 200 && resp.StatusCode < 400
	if blocked && d.collector != nil {
		d.collector.RecordBlocked()
	}
	d.report(host, pick, successful)

	return &Response{
		Body:       body,
		StatusCode: resp.StatusCode,
		FinalURL:   resp.Request.URL.String(),
		Blocked:    blocked,
	}, nil
}

// waitDelay sleeps out the host's politeness delay, returning early when
// the context is cancelled.
func (d *Dispatcher) waitDelay(ctx context.Context, host string) error {
	delay := d.governor.DelayFor(ctx, host)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildRequest composes the HTTP request: default headers overlaid by job
// headers, a rotated user agent unless the job set one, and a JSON-encoded
// body for object bodies on POST/PUT/PATCH.
func (d *Dispatcher) buildRequest(job *types.Job, u *url.URL, ua string) (*http.Request, error) {
	method := job.Method()

	var bodyReader io.Reader
	bodyIsJSON := false
	if job.HTTP != nil && job.HTTP.Body != nil {
		switch method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			if s, ok := job.HTTP.Body.(string); ok {
				bodyReader = strings.NewReader(s)
			} else {
				encoded, err := json.Marshal(job.HTTP.Body)
				if err != nil {
					return nil, errkit.New(fmt.Sprintf("cannot encode request body: %v", err)).
						SetKind(types.ErrKindInvalidJob).
						Build()
				}
				bodyReader = bytes.NewReader(encoded)
				bodyIsJSON = true
			}
		}
	}

	// Body reads run on their own timer (readBody), so the request context
	// stays free of the loop's shutdown cancellation: a request on the wire
	// finishes naturally.
	req, err := http.NewRequest(method, u.String(), bodyReader)
	if err != nil {
		return nil, errkit.New(fmt.Sprintf("cannot build request for %q: %v", job.URL, err)).
			SetKind(types.ErrKindInvalidURL).
			Build()
	}

	for name, value := range defaultHeaders {
		req.Header.Set(name, value)
	}
	if job.HTTP != nil {
		for name, value := range job.HTTP.Headers {
			req.Header.Set(name, value)
		}
	}
	if ua != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", ua)
	}
	if bodyIsJSON && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// readBody drains and decodes the response body. A timer closes the body
// when the read exceeds the body timeout, which aborts the read.
func readBody(resp *http.Response) (string, error) {
	defer resp.Body.Close()

	killer := time.AfterFunc(bodyTimeout, func() { resp.Body.Close() })
	defer killer.Stop()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	return decodeBody(raw, resp.Header.Get("Content-Encoding"))
}

// decodeBody reverses the content codings the dispatcher advertises.
func decodeBody(raw []byte, encoding string) (string, error) {
	var reader io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return string(raw), nil
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return "", fmt.Errorf("gzip body: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			reader = flate.NewReader(bytes.NewReader(raw))
		} else {
			defer zr.Close()
			reader = zr
		}
	case "br":
		reader = brotli.NewReader(bytes.NewReader(raw))
	default:
		return string(raw), nil
	}

	decoded, err := io.ReadAll(io.LimitReader(reader, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("decode %s body: %w", encoding, err)
	}
	return string(decoded), nil
}

// report feeds one outcome to the governor and, when a proxy was used, the
// proxy manager. With a reporter the calls run fire-and-forget.
func (d *Dispatcher) report(host string, pick *proxy.Proxy, success bool) {
	if d.reporter == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.governor.Report(ctx, host, success)
		if pick != nil {
			d.proxies.Report(ctx, pick.Addr, success)
		}
		return
	}
	d.reporter.Submit(func(ctx context.Context) {
		d.governor.Report(ctx, host, success)
	})
	if pick != nil {
		addr := pick.Addr
		d.reporter.Submit(func(ctx context.Context) {
			d.proxies.Report(ctx, addr, success)
		})
	}
}
