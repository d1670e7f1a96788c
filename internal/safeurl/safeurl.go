package safeurl

import (
	"errors"
	"net/url"
	"strings"
)

// ErrUnsupportedURL is returned by Validate for anything that is not an absolute http(s) URL.
var ErrUnsupportedURL = errors.New("only absolute http and https URLs are accepted")

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
// Used to reject file://, ftp://, and other schemes that could lead to SSRF or local file access.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := strings.ToLower(parsed.Scheme)
	return s == "http" || s == "https"
}

// Validate trims raw and checks it is an absolute http(s) URL with a host.
// The playlist override on the public endpoint goes through here.
func Validate(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !IsHTTPOrHTTPS(raw) {
		return "", ErrUnsupportedURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", ErrUnsupportedURL
	}
	return raw, nil
}

// Redact strips userinfo and the query string so URLs carrying panel
// credentials can be logged.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	return u.String()
}
