package epg

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CWD273/cwdepg/internal/httpclient"
	"github.com/CWD273/cwdepg/internal/safeurl"
)

// Xtream reads per-channel listings from an Xtream Codes panel. External ids
// are epg_channel_id values; the stream list that maps them to stream ids is
// refreshed every StreamsTTL.
type Xtream struct {
	BaseURL    string
	Username   string
	Password   string
	Client     *http.Client
	StreamsTTL time.Duration // 0 = 1h
	Sem        *httpclient.HostSemaphore
	Now        func() time.Time

	mu        sync.Mutex
	streams   map[string]int
	fetchedAt time.Time
}

type xtreamStream struct {
	StreamID     json.Number `json:"stream_id"`
	EPGChannelID string      `json:"epg_channel_id"`
}

type xtreamListing struct {
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	StartTimestamp json.Number `json:"start_timestamp"`
	StopTimestamp  json.Number `json:"stop_timestamp"`
}

type xtreamEPGResponse struct {
	EPGListings []xtreamListing `json:"epg_listings"`
}

func NewXtream(baseURL, username, password string, client *http.Client) *Xtream {
	return &Xtream{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Username: username,
		Password: password,
		Client:   client,
		Sem:      httpclient.GlobalHostSem,
	}
}

func (x *Xtream) Name() string { return "xtream" }

func (x *Xtream) FetchProgrammes(ctx context.Context, externalID string, days int) ([]RawProgramme, error) {
	streams, err := x.streamMap(ctx)
	if err != nil {
		return nil, err
	}
	sid, ok := streams[strings.ToLower(strings.TrimSpace(externalID))]
	if !ok {
		return nil, nil
	}
	var resp xtreamEPGResponse
	if err := x.get(ctx, "get_simple_data_table", url.Values{"stream_id": {strconv.Itoa(sid)}}, 1<<20, &resp); err != nil {
		return nil, err
	}
	now := x.now()
	end := now.Add(time.Duration(days) * 24 * time.Hour)
	seen := make(map[string]bool)
	var out []RawProgramme
	for _, l := range resp.EPGListings {
		startTS, err := strconv.ParseInt(l.StartTimestamp.String(), 10, 64)
		if err != nil || startTS == 0 {
			continue
		}
		stopTS, err := strconv.ParseInt(l.StopTimestamp.String(), 10, 64)
		if err != nil || stopTS == 0 {
			continue
		}
		if stopTS <= now.Unix() || startTS >= end.Unix() {
			continue
		}
		title := decodeBase64Safe(l.Title)
		if title == "" {
			continue
		}
		key := fmt.Sprintf("%s|%d|%d", title, startTS, stopTS)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, RawProgramme{
			Start: strconv.FormatInt(startTS, 10),
			Stop:  strconv.FormatInt(stopTS, 10),
			Title: title,
			Desc:  decodeBase64Safe(l.Description),
		})
	}
	return out, nil
}

func (x *Xtream) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

// streamMap returns lowercased epg_channel_id -> stream_id.
func (x *Xtream) streamMap(ctx context.Context) (map[string]int, error) {
	ttl := x.StreamsTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.streams != nil && x.now().Sub(x.fetchedAt) < ttl {
		return x.streams, nil
	}
	var list []xtreamStream
	if err := x.get(ctx, "get_live_streams", nil, 10<<20, &list); err != nil {
		if x.streams != nil {
			log.Printf("epg: xtream stream list refresh failed, keeping previous: %v", err)
			return x.streams, nil
		}
		return nil, fmt.Errorf("fetch stream list: %w", err)
	}
	m := make(map[string]int, len(list))
	for _, s := range list {
		if s.EPGChannelID == "" {
			continue
		}
		sid, err := strconv.Atoi(s.StreamID.String())
		if err != nil {
			continue
		}
		key := strings.ToLower(s.EPGChannelID)
		if _, dup := m[key]; !dup {
			m[key] = sid
		}
	}
	x.streams = m
	x.fetchedAt = x.now()
	return m, nil
}

func (x *Xtream) get(ctx context.Context, action string, extra url.Values, limit int64, v any) error {
	q := url.Values{
		"username": {x.Username},
		"password": {x.Password},
		"action":   {action},
	}
	for k, vs := range extra {
		q[k] = vs
	}
	apiURL := x.BaseURL + "/player_api.php?" + q.Encode()
	if x.Sem != nil {
		release, err := x.Sem.Acquire(ctx, apiURL)
		if err != nil {
			return err
		}
		defer release()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	client := x.Client
	if client == nil {
		client = httpclient.Default()
	}
	resp, err := client.Do(req)
	if err != nil {
		// url.Error carries the full query, credentials included.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return fmt.Errorf("%s %s: %w", action, safeurl.Redact(apiURL), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", action, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return fmt.Errorf("read %s: %w", action, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", action, err)
	}
	return nil
}

// decodeBase64Safe decodes s, returning it unchanged when it is not base64.
func decodeBase64Safe(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return string(decoded)
}
