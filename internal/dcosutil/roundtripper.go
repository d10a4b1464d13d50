// Package dcosutil carries the handful of DC/OS-specific HTTP plumbing
// dcos-telegraf's plugins each reimplemented individually: a user-agent
// stamping round-tripper and IAM/TLS transport construction.
package dcosutil

import "net/http"

// userAgentRoundTripper stamps every outbound request with a fixed
// User-Agent before delegating to the wrapped transport.
type userAgentRoundTripper struct {
	rt        http.RoundTripper
	userAgent string
}

// NewRoundTripper wraps rt so that every request carries userAgent. If rt is
// nil, http.DefaultTransport is used.
func NewRoundTripper(rt http.RoundTripper, userAgent string) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	if userAgent == "" {
		return rt
	}
	return &userAgentRoundTripper{rt: rt, userAgent: userAgent}
}

func (u *userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", u.userAgent)
	return u.rt.RoundTrip(req)
}
