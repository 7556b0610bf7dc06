package service

import (
	"io"
	"net/http"
	"strings"

	"maven-proxy-go/internal/model"
)

// hopByHopHeaders apply to a single connection and are never forwarded.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// releaseLimit bounds how much of a discarded body is read so its connection can be reused.
const releaseLimit = 64 << 10

// filterHeaders copies src without hop-by-hop headers or headers named in Connection.
func filterHeaders(src http.Header) http.Header {
	dropped := make(map[string]bool)
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dropped[http.CanonicalHeaderKey(name)] = true
			}
		}
	}

	dst := make(http.Header, len(src))
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if hopByHopHeaders[ck] || dropped[ck] {
			continue
		}
		dst[ck] = append([]string(nil), vals...)
	}
	return dst
}

// FilterResponseHeaders returns the backend headers that are passed through to the client.
func FilterResponseHeaders(src http.Header) http.Header {
	return filterHeaders(src)
}

// release discards a bounded amount of a response body and closes it.
func release(resp *model.ProxyResponse) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, resp.Body, releaseLimit)
	_ = resp.Body.Close()
}
