package service

import (
	"net/http"
	"strings"
)

// AllowedMethods are the only methods the proxy forwards, in Allow-header order.
var AllowedMethods = []string{http.MethodGet, http.MethodHead}

// AllowHeader is the value of the Allow header sent with 405 responses.
var AllowHeader = strings.Join(AllowedMethods, ", ")

// DecisionKind says how the front end must answer an inbound request.
type DecisionKind int

const (
	// Proceed means the request is raced across the backends.
	Proceed DecisionKind = iota
	// Home is the proxy's own informational root page.
	Home
	// StaticNotFound is a reserved path that is never proxied.
	StaticNotFound
	// BadMethod is a method outside AllowedMethods.
	BadMethod
	// BadBody is an allowed method carrying a request body.
	BadBody
)

func (k DecisionKind) String() string {
	switch k {
	case Proceed:
		return "proceed"
	case Home:
		return "home"
	case StaticNotFound:
		return "static_not_found"
	case BadMethod:
		return "bad_method"
	case BadBody:
		return "bad_body"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Validate.
type Decision struct {
	Kind DecisionKind
	// ArtifactPath is set for Proceed.
	ArtifactPath string
}

// Validate decides what to do with an inbound request given its method, its
// path-and-query target and whether it carries a body. The root page and the
// favicon are answered for any method; everything else must be a bodyless
// GET or HEAD.
func Validate(method, target string, hasBody bool) Decision {
	path := target
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	switch path {
	case "", "/":
		return Decision{Kind: Home}
	case "/favicon.ico":
		return Decision{Kind: StaticNotFound}
	}

	if !methodAllowed(method) {
		return Decision{Kind: BadMethod}
	}
	if hasBody {
		return Decision{Kind: BadBody}
	}
	return Decision{Kind: Proceed, ArtifactPath: target}
}

func methodAllowed(method string) bool {
	for _, m := range AllowedMethods {
		if m == method {
			return true
		}
	}
	return false
}
