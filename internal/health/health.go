// Package health backs the check command: is the playlist reachable and
// usable, and is a running server answering.
package health

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/CWD273/cwdepg/internal/httpclient"
	"github.com/CWD273/cwdepg/internal/playlist"
	"github.com/CWD273/cwdepg/internal/safeurl"
)

// PlaylistReport summarises a playlist probe.
type PlaylistReport struct {
	URL       string // redacted
	Entries   int
	WithTVGID int
	Elapsed   time.Duration
}

func (r PlaylistReport) String() string {
	return fmt.Sprintf("%s: %d entries (%d with tvg-id) in %s", r.URL, r.Entries, r.WithTVGID, r.Elapsed.Round(time.Millisecond))
}

// CheckPlaylist downloads and parses the playlist. A playlist that parses to
// zero entries is an error: the guide would be empty.
func CheckPlaylist(ctx context.Context, client *http.Client, m3uURL string) (PlaylistReport, error) {
	rep := PlaylistReport{URL: safeurl.Redact(m3uURL)}
	if m3uURL == "" {
		return rep, fmt.Errorf("no playlist URL configured")
	}
	if client == nil {
		client = httpclient.WithTimeout(15 * time.Second)
	}
	start := time.Now()
	text, err := playlist.NewFetcher(client, 0).Fetch(ctx, m3uURL)
	rep.Elapsed = time.Since(start)
	if err != nil {
		return rep, err
	}
	for _, r := range playlist.Parse(text) {
		rep.Entries++
		if r.TVGID != "" {
			rep.WithTVGID++
		}
	}
	if rep.Entries == 0 {
		return rep, fmt.Errorf("%s: playlist has no channel entries", rep.URL)
	}
	return rep, nil
}

// CheckEndpoints hits /healthz and a one-day guide at baseURL and returns the
// first failure.
func CheckEndpoints(ctx context.Context, baseURL string) error {
	client := httpclient.WithTimeout(2 * time.Minute)
	baseURL = strings.TrimRight(baseURL, "/")
	for _, path := range []string{"/healthz", "/epg.xml?days=1"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		head, _ := io.ReadAll(io.LimitReader(resp.Body, 64))
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
		}
		if strings.HasPrefix(path, "/epg.xml") && !bytes.HasPrefix(head, []byte("<?xml")) {
			return fmt.Errorf("%s: response is not XML", path)
		}
	}
	return nil
}
