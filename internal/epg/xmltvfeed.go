package epg

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/CWD273/cwdepg/internal/httpclient"
	"github.com/CWD273/cwdepg/internal/safeurl"
)

// XMLTVFeed serves listings out of an upstream XMLTV document. The document is
// downloaded on first use and again once it is older than TTL; a failed refresh
// keeps serving the previous copy.
type XMLTVFeed struct {
	URL         string
	Client      *http.Client
	TTL         time.Duration // 0 = 6h
	MaxBytes    int64         // decompressed; 0 = unlimited
	Policy      httpclient.RetryPolicy
	PreferLangs []string // lowercase; first match wins for title/sub-title/desc
	Now         func() time.Time
	LoadTimeout time.Duration // one whole download; 0 = 5m

	mu        sync.RWMutex
	index     map[string][]feedListing
	fetchedAt time.Time
	inflight  *feedLoad
}

type feedListing struct {
	start, stop time.Time // zero when unreadable
	raw         RawProgramme
}

// NewXMLTVFeed returns a feed provider for feedURL with the default retry policy.
func NewXMLTVFeed(feedURL string, client *http.Client, ttl time.Duration) *XMLTVFeed {
	return &XMLTVFeed{URL: feedURL, Client: client, TTL: ttl, Policy: httpclient.DefaultRetryPolicy}
}

func (f *XMLTVFeed) Name() string { return "xmltv" }

// FetchProgrammes returns the listings for externalID (case-insensitive) that
// are still on air or start within days from now.
func (f *XMLTVFeed) FetchProgrammes(ctx context.Context, externalID string, days int) ([]RawProgramme, error) {
	index, err := f.load(ctx)
	if err != nil {
		return nil, err
	}
	listings := index[feedKey(externalID)]
	if len(listings) == 0 {
		return nil, nil
	}
	now := f.now()
	end := now.Add(time.Duration(days) * 24 * time.Hour)
	out := make([]RawProgramme, 0, len(listings))
	for _, l := range listings {
		if !l.stop.IsZero() && !l.stop.After(now) {
			continue
		}
		if !l.start.IsZero() && !l.start.Before(end) {
			continue
		}
		out = append(out, l.raw)
	}
	return out, nil
}

func (f *XMLTVFeed) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *XMLTVFeed) ttl() time.Duration {
	if f.TTL > 0 {
		return f.TTL
	}
	return 6 * time.Hour
}

func (f *XMLTVFeed) loadTimeout() time.Duration {
	if f.LoadTimeout > 0 {
		return f.LoadTimeout
	}
	return 5 * time.Minute
}

// load returns the current index, downloading it when missing or expired. One
// download runs at a time on its own deadline (LoadTimeout); callers wait for it
// only as long as their ctx allows, falling back to the previous copy when there
// is one. A download outliving its first caller still fills the index.
func (f *XMLTVFeed) load(ctx context.Context) (map[string][]feedListing, error) {
	f.mu.RLock()
	if f.index != nil && f.now().Sub(f.fetchedAt) < f.ttl() {
		idx := f.index
		f.mu.RUnlock()
		return idx, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	if f.index != nil && f.now().Sub(f.fetchedAt) < f.ttl() {
		idx := f.index
		f.mu.Unlock()
		return idx, nil
	}
	call := f.inflight
	if call == nil {
		call = &feedLoad{done: make(chan struct{})}
		f.inflight = call
		go f.refresh(context.WithoutCancel(ctx), call)
	}
	stale := f.index
	f.mu.Unlock()

	select {
	case <-call.done:
		return call.idx, call.err
	case <-ctx.Done():
		if stale != nil {
			return stale, nil
		}
		return nil, ctx.Err()
	}
}

type feedLoad struct {
	done chan struct{}
	idx  map[string][]feedListing
	err  error
}

func (f *XMLTVFeed) refresh(parent context.Context, call *feedLoad) {
	ctx, cancel := context.WithTimeout(parent, f.loadTimeout())
	idx, err := f.download(ctx)
	cancel()

	f.mu.Lock()
	switch {
	case err == nil:
		f.index = idx
		f.fetchedAt = f.now()
		call.idx = idx
		log.Printf("epg: xmltv feed %s loaded (%d channels)", safeurl.Redact(f.URL), len(idx))
	case f.index != nil:
		log.Printf("epg: xmltv refresh from %s failed, serving previous copy: %v", safeurl.Redact(f.URL), err)
		call.idx = f.index
	default:
		call.err = err
	}
	f.inflight = nil
	f.mu.Unlock()
	close(call.done)
}

func (f *XMLTVFeed) download(ctx context.Context) (map[string][]feedListing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpclient.DoWithRetry(ctx, f.Client, req, f.Policy)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, fmt.Errorf("xmltv feed %s: %w", safeurl.Redact(f.URL), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("xmltv feed: %s", resp.Status)
	}
	r, err := decompress(resp.Body)
	if err != nil {
		return nil, err
	}
	if f.MaxBytes > 0 {
		r = io.LimitReader(r, f.MaxBytes)
	}
	return indexFeed(r, f.PreferLangs)
}

// decompress sniffs gzip, bzip2 and xz magic bytes; anything else is read as is.
func decompress(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(6)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("peek header: %w", err)
	}
	switch {
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return gz, nil
	case len(header) >= 3 && header[0] == 'B' && header[1] == 'Z' && header[2] == 'h':
		return bzip2.NewReader(br), nil
	case len(header) >= 6 && header[0] == 0xfd && header[1] == '7' && header[2] == 'z' &&
		header[3] == 'X' && header[4] == 'Z' && header[5] == 0x00:
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("xz: %w", err)
		}
		return xr, nil
	}
	return br, nil
}

type feedText struct {
	Lang  string `xml:"lang,attr"`
	Value string `xml:",chardata"`
}

type feedEpisode struct {
	System string `xml:"system,attr"`
	Value  string `xml:",chardata"`
}

type feedProgramme struct {
	Start       string        `xml:"start,attr"`
	Stop        string        `xml:"stop,attr"`
	Channel     string        `xml:"channel,attr"`
	Titles      []feedText    `xml:"title"`
	SubTitles   []feedText    `xml:"sub-title"`
	Descs       []feedText    `xml:"desc"`
	Categories  []feedText    `xml:"category"`
	EpisodeNums []feedEpisode `xml:"episode-num"`
}

// indexFeed streams the document and groups programmes by lowercased channel id.
func indexFeed(r io.Reader, preferLangs []string) (map[string][]feedListing, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false
	idx := make(map[string][]feedListing)
	sawRoot := false
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("xmltv feed: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "tv":
			sawRoot = true
		case "programme":
			var p feedProgramme
			if err := dec.DecodeElement(&p, &se); err != nil {
				return nil, fmt.Errorf("xmltv feed: programme: %w", err)
			}
			key := feedKey(p.Channel)
			if key == "" {
				continue
			}
			idx[key] = append(idx[key], p.listing(preferLangs))
		default:
			if sawRoot {
				_ = dec.Skip()
			}
		}
	}
	if !sawRoot {
		return nil, errors.New("xmltv feed: root <tv> not found")
	}
	return idx, nil
}

func (p feedProgramme) listing(preferLangs []string) feedListing {
	raw := RawProgramme{
		Start:    p.Start,
		Stop:     p.Stop,
		Title:    pickText(p.Titles, preferLangs),
		SubTitle: pickText(p.SubTitles, preferLangs),
		Desc:     pickText(p.Descs, preferLangs),
	}
	seen := make(map[string]bool, len(p.Categories))
	for _, c := range p.Categories {
		v := strings.TrimSpace(c.Value)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		raw.Categories = append(raw.Categories, v)
	}
	for _, e := range p.EpisodeNums {
		if strings.EqualFold(strings.TrimSpace(e.System), "xmltv_ns") {
			raw.EpisodeNum = strings.TrimSpace(e.Value)
			break
		}
	}
	l := feedListing{raw: raw}
	l.start, _ = ParseInstant(p.Start)
	l.stop, _ = ParseInstant(p.Stop)
	return l
}

// pickText returns the first text in a preferred language, else the first text.
func pickText(texts []feedText, preferLangs []string) string {
	if len(texts) == 0 {
		return ""
	}
	for _, want := range preferLangs {
		for _, t := range texts {
			lang := strings.ToLower(strings.TrimSpace(t.Lang))
			if lang == want || strings.HasPrefix(lang, want+"-") {
				return strings.TrimSpace(t.Value)
			}
		}
	}
	return strings.TrimSpace(texts[0].Value)
}

func feedKey(id string) string { return strings.ToLower(strings.TrimSpace(id)) }
