// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
	"net/url"
	"time"
)

// ProxyRequest is a validated inbound request that will be raced across backends.
type ProxyRequest struct {
	Method string
	// ArtifactPath is the inbound path-and-query, appended verbatim to each backend base.
	ArtifactPath string
	Header       http.Header
}

// ProxyResponse represents a backend response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Verdict is the classification of a single backend outcome.
type Verdict int

const (
	// Failed covers transport errors, timeouts, build errors and unexpected statuses.
	Failed Verdict = iota
	// Rejected means the backend answered 404.
	Rejected
	// Accepted means the backend answered 200 or 304.
	Accepted
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "failed"
	}
}

// Outcome is what one backend produced for one inbound request.
type Outcome struct {
	Backend *url.URL
	Verdict Verdict
	// StatusCode is zero when no response was received.
	StatusCode int
	// Response is set for Accepted outcomes and for any received response until it is released.
	Response *ProxyResponse
	Err      error
	Elapsed  time.Duration
}

// RaceResult is the dispatcher's answer for one inbound request.
type RaceResult struct {
	// Winner is nil when no backend accepted.
	Winner *Outcome
	// UnexpectedStatus is the first non-200/304/404 status seen, in completion order.
	UnexpectedStatus int
}
