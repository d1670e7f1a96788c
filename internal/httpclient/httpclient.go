package httpclient

import (
	"net/http"
	"time"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
	DefaultUserAgent       = "cwdepg/1.0"
)

var defaultTransport = &http.Transport{
	Proxy:               http.ProxyFromEnvironment,
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: MaxIdleConnsPerHost,
	IdleConnTimeout:     DefaultIdleConnTimeout,
}

var defaultClient = &http.Client{
	Timeout:   DefaultTimeout,
	Transport: &userAgentTransport{base: defaultTransport, ua: DefaultUserAgent},
}

// Default returns the shared tuned HTTP client for playlist, matcher and EPG fetches.
func Default() *http.Client {
	return defaultClient
}

// New returns a client with its own copy of the default transport that stamps
// userAgent on requests which do not set one.
func New(timeout time.Duration, userAgent string) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &userAgentTransport{base: defaultTransport.Clone(), ua: userAgent},
	}
}

// WithTimeout is New with the default User-Agent.
func WithTimeout(timeout time.Duration) *http.Client {
	return New(timeout, DefaultUserAgent)
}

type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(r)
}
