package service

import (
	"fmt"
	"net/url"
)

// RewriteURI joins a backend base address with an inbound artifact path.
// The scheme and authority of base are kept verbatim; the resulting
// path-and-query is base's own path-and-query followed character for
// character by artifactPath. It fails only when the concatenation is not a
// valid URI.
func RewriteURI(base *url.URL, artifactPath string) (*url.URL, error) {
	authority := (&url.URL{Scheme: base.Scheme, User: base.User, Host: base.Host}).String()

	u, err := url.Parse(authority + basePathAndQuery(base) + artifactPath)
	if err != nil {
		return nil, fmt.Errorf("rewrite %s: %w", base.Redacted(), err)
	}
	return u, nil
}

func basePathAndQuery(base *url.URL) string {
	pq := base.EscapedPath()
	if base.ForceQuery || base.RawQuery != "" {
		pq += "?" + base.RawQuery
	}
	return pq
}
