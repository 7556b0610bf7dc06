package service

import (
	"errors"
	"fmt"
	"net/http"

	"maven-proxy-go/internal/model"
)

var (
	// ErrBackendTimeout marks a backend that did not answer within the proxy timeout.
	ErrBackendTimeout = errors.New("backend timed out")
	// ErrUnexpectedStatus marks a backend that answered something other than 200, 304 or 404.
	ErrUnexpectedStatus = errors.New("unexpected backend status")
)

// Classify maps a backend status code to a verdict.
func Classify(status int) model.Verdict {
	switch status {
	case http.StatusOK, http.StatusNotModified:
		return model.Accepted
	case http.StatusNotFound:
		return model.Rejected
	default:
		return model.Failed
	}
}

// ClassifyOutcome maps a backend call result to a verdict. The returned error
// explains Failed verdicts and is nil otherwise.
func ClassifyOutcome(resp *model.ProxyResponse, err error) (model.Verdict, error) {
	if err != nil {
		return model.Failed, err
	}
	if resp == nil {
		return model.Failed, errors.New("backend returned no response")
	}
	v := Classify(resp.StatusCode)
	if v == model.Failed {
		return v, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return v, nil
}
