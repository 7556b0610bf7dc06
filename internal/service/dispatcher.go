// Package service implements the request dispatch and race engine: request
// validation, backend URI rewriting, outcome classification and the fan-out
// dispatcher that returns the first acceptable backend response.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"maven-proxy-go/internal/config"
	"maven-proxy-go/internal/metrics"
	"maven-proxy-go/internal/model"
)

// Doer sends one request and returns the response or a transport error.
// Body ownership transfers to the caller.
type Doer interface {
	Do(req *http.Request) (*model.ProxyResponse, error)
}

// Dispatcher races every inbound request across all configured backends.
type Dispatcher struct {
	client           Doer
	backends         []*url.URL
	timeout          time.Duration
	reportBadGateway bool
	logger           *slog.Logger
	metrics          *metrics.Metrics
}

// NewDispatcher creates a Dispatcher for the configured repositories.
// The metrics parameter is optional; pass nil to disable race metrics recording.
func NewDispatcher(c Doer, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Dispatcher, error) {
	backends, err := cfg.Upstream.RepositoryURLs()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	if cfg.Upstream.Timeout.Duration <= 0 {
		return nil, fmt.Errorf("dispatcher: timeout must be positive; got %s", cfg.Upstream.Timeout.Duration)
	}

	return &Dispatcher{
		client:           c,
		backends:         backends,
		timeout:          cfg.Upstream.Timeout.Duration,
		reportBadGateway: cfg.Upstream.UnexpectedStatus == config.StatusPolicyBadGateway,
		logger:           logger.With("component", "dispatcher"),
		metrics:          m,
	}, nil
}

// Backends returns copies of the configured backend base addresses in
// configuration order.
func (d *Dispatcher) Backends() []*url.URL {
	out := make([]*url.URL, len(d.backends))
	for i, b := range d.backends {
		u := *b
		out[i] = &u
	}
	return out
}

// Dispatch sends pr to every backend concurrently and returns as soon as one
// of them accepts. Outcomes are observed in completion order. Backends that
// are still running when a winner is found keep running in the background
// and are drained there; Dispatch never waits for them.
//
// The caller must close the winner's response body.
func (d *Dispatcher) Dispatch(ctx context.Context, pr *model.ProxyRequest) *model.RaceResult {
	result := &model.RaceResult{}
	if len(d.backends) == 0 {
		d.recordRace(result)
		return result
	}

	// One slot per backend so no producer ever blocks, even after the race is decided.
	outcomes := make(chan model.Outcome, len(d.backends))

	// Backend calls are bounded by their own timers only; they must survive
	// the inbound request so stragglers can finish after the response is sent.
	base := context.WithoutCancel(ctx)

	var g errgroup.Group
	for _, backend := range d.backends {
		req, cancel, err := d.buildRequest(base, backend, pr)
		if err != nil {
			outcomes <- model.Outcome{Backend: backend, Verdict: model.Failed, Err: err}
			continue
		}
		g.Go(func() error {
			outcomes <- d.call(backend, req, cancel)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(outcomes)
	}()

	for o := range outcomes {
		d.observe(pr, o)
		if o.Verdict == model.Accepted {
			winner := o
			result.Winner = &winner
			go d.drain(pr, outcomes)
			d.recordRace(result)
			return result
		}
		if d.reportBadGateway && result.UnexpectedStatus == 0 && errors.Is(o.Err, ErrUnexpectedStatus) {
			result.UnexpectedStatus = o.StatusCode
		}
		release(o.Response)
	}

	d.recordRace(result)
	return result
}

// buildRequest rewrites pr for one backend. The returned cancel func owns the
// request's context and must eventually be called.
func (d *Dispatcher) buildRequest(base context.Context, backend *url.URL, pr *model.ProxyRequest) (*http.Request, context.CancelFunc, error) {
	target, err := RewriteURI(backend, pr.ArtifactPath)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(base)
	req, err := http.NewRequestWithContext(ctx, pr.Method, target.String(), http.NoBody)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header = filterHeaders(pr.Header)
	return req, cancel, nil
}

// call performs one backend request. The timer runs from dispatch until the
// response headers arrive; an accepted body is then streamed without it and
// the request context is released when the body is closed.
func (d *Dispatcher) call(backend *url.URL, req *http.Request, cancel context.CancelFunc) model.Outcome {
	out := model.Outcome{Backend: backend}

	start := time.Now()
	timer := time.AfterFunc(d.timeout, cancel)
	resp, err := d.client.Do(req)
	out.Elapsed = time.Since(start)
	timedOut := !timer.Stop()

	if err == nil && resp == nil {
		err = errors.New("backend returned no response")
	}
	if err == nil && timedOut {
		release(resp)
		err = context.DeadlineExceeded
	}
	if err != nil {
		cancel()
		if timedOut {
			err = fmt.Errorf("%w after %s: %w", ErrBackendTimeout, d.timeout, err)
		}
		out.Verdict, out.Err = model.Failed, err
		return out
	}

	if resp.Body == nil {
		resp.Body = http.NoBody
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	out.StatusCode = resp.StatusCode
	out.Response = resp
	out.Verdict, out.Err = ClassifyOutcome(resp, nil)
	return out
}

// drain consumes the remaining outcomes of a decided race.
func (d *Dispatcher) drain(pr *model.ProxyRequest, outcomes <-chan model.Outcome) {
	for o := range outcomes {
		d.observe(pr, o)
		release(o.Response)
		if d.metrics != nil {
			d.metrics.DrainedOutcomes.WithLabelValues(o.Verdict.String()).Inc()
		}
		d.logger.Debug("drained backend outcome",
			"backend", o.Backend.Redacted(),
			"artifact", pr.ArtifactPath,
			"verdict", o.Verdict.String(),
			"elapsed_ms", o.Elapsed.Milliseconds(),
		)
	}
}

// observe logs and counts a single classified outcome.
func (d *Dispatcher) observe(pr *model.ProxyRequest, o model.Outcome) {
	if d.metrics != nil {
		d.metrics.BackendOutcomes.WithLabelValues(o.Backend.Host, o.Verdict.String()).Inc()
	}

	switch o.Verdict {
	case model.Accepted:
		d.logger.Debug("backend accepted",
			"backend", o.Backend.Redacted(),
			"artifact", pr.ArtifactPath,
			"status", o.StatusCode,
			"elapsed_ms", o.Elapsed.Milliseconds(),
		)
	case model.Rejected:
		d.logger.Debug("backend does not have artifact",
			"backend", o.Backend.Redacted(),
			"artifact", pr.ArtifactPath,
		)
	default:
		d.logger.Warn("backend failed",
			"backend", o.Backend.Redacted(),
			"artifact", pr.ArtifactPath,
			"status", o.StatusCode,
			"err", o.Err,
			"elapsed_ms", o.Elapsed.Milliseconds(),
		)
	}
}

func (d *Dispatcher) recordRace(result *model.RaceResult) {
	if d.metrics == nil {
		return
	}
	switch {
	case result.Winner != nil:
		d.metrics.RaceResults.WithLabelValues(metrics.RaceWon).Inc()
	case result.UnexpectedStatus != 0:
		d.metrics.RaceResults.WithLabelValues(metrics.RaceBadGateway).Inc()
	default:
		d.metrics.RaceResults.WithLabelValues(metrics.RaceExhausted).Inc()
	}
}

// cancelOnClose releases a backend request context once its body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
