package playlist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	neturl "net/url"
	"unicode/utf8"

	"golang.org/x/net/html/charset"

	"github.com/CWD273/cwdepg/internal/httpclient"
	"github.com/CWD273/cwdepg/internal/safeurl"
)

// ErrUpstream marks any failure to obtain the playlist from its source.
var ErrUpstream = errors.New("playlist upstream unavailable")

// FetchError describes a failed playlist download. It matches ErrUpstream with errors.Is.
type FetchError struct {
	URL        string
	StatusCode int // 0 when the request never got a response
	Err        error
}

// Error redacts the URL; playlist links often carry panel credentials.
func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch playlist %s: unexpected status %d", safeurl.Redact(e.URL), e.StatusCode)
	}
	return fmt.Sprintf("fetch playlist %s: %v", safeurl.Redact(e.URL), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrUpstream }

// Fetcher downloads playlists over HTTP.
type Fetcher struct {
	Client   *http.Client // nil = httpclient.Default()
	MaxBytes int64        // 0 = unlimited
	Policy   httpclient.RetryPolicy
}

// NewFetcher returns a Fetcher with the default retry policy.
func NewFetcher(client *http.Client, maxBytes int64) *Fetcher {
	return &Fetcher{Client: client, MaxBytes: maxBytes, Policy: httpclient.DefaultRetryPolicy}
}

// Fetch GETs url and returns the body as UTF-8 text. Bodies in another charset
// are transcoded. Any transport failure or non-2xx status is a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &FetchError{URL: url, Err: err}
	}
	resp, err := httpclient.DoWithRetry(ctx, f.Client, req, f.Policy)
	if err != nil {
		var ue *neturl.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return "", &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", &FetchError{URL: url, StatusCode: resp.StatusCode}
	}
	var body io.Reader = resp.Body
	if f.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, f.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", &FetchError{URL: url, Err: err}
	}
	if f.MaxBytes > 0 && int64(len(data)) > f.MaxBytes {
		return "", &FetchError{URL: url, Err: fmt.Errorf("playlist exceeds %d bytes", f.MaxBytes)}
	}
	data, err = toUTF8(data, resp.Header.Get("Content-Type"))
	if err != nil {
		return "", &FetchError{URL: url, Err: fmt.Errorf("decode charset: %w", err)}
	}
	return string(data), nil
}

// toUTF8 transcodes data from the charset declared in contentType. Without a
// declaration, valid UTF-8 passes through and anything else is sniffed.
func toUTF8(data []byte, contentType string) ([]byte, error) {
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if label := params["charset"]; label != "" {
			if enc, name := charset.Lookup(label); enc != nil {
				if name == "utf-8" {
					return data, nil
				}
				return enc.NewDecoder().Bytes(data)
			}
		}
	}
	if utf8.Valid(data) {
		return data, nil
	}
	enc, _, _ := charset.DetermineEncoding(data, "")
	return enc.NewDecoder().Bytes(data)
}
