// Package iptvorg provides a local channel database derived from the iptv-org
// community channel list (https://iptv-org.github.io/api/channels.json).
//
// The iptv-org ids ("cnn.us", "ctv.ca") are the channel ids used by the
// iptv-org/epg guides, so a hit here is directly usable as an external guide id.
//
// Matching strategy:
//
//  1. Exact normalised name match (channel.name or alt_names[]).
//  2. Normalised name match after stripping country prefix ("US: ", "DE: ", etc.)
//     and quality markers (HD, 4K, RAW).
//  3. Short-code match of the playlist tvg-id against the first segment of channel.id.
//
// When a tier yields several ids and the caller knows the channel's country,
// the ids from that country are preferred.
package iptvorg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/CWD273/cwdepg/internal/channel"
	"github.com/CWD273/cwdepg/internal/httpclient"
)

const DefaultChannelsURL = "https://iptv-org.github.io/api/channels.json"

// Match methods reported by Lookup.
const (
	MethodNameExact    = "iptvorg_name_exact"
	MethodNameStripped = "iptvorg_name_stripped"
	MethodShortCode    = "iptvorg_shortcode"
)

// Channel is one record from the iptv-org channels.json API.
type Channel struct {
	ID       string   `json:"id"`        // e.g. "cnn.us"
	Name     string   `json:"name"`      // e.g. "CNN"
	AltNames []string `json:"alt_names"` // alternative display names
	Country  string   `json:"country"`   // ISO 3166-1 alpha-2 upper-case, e.g. "US"
	IsNSFW   bool     `json:"is_nsfw"`
}

// Match is a Lookup hit.
type Match struct {
	ID      string
	Method  string
	Country channel.Country // Unknown when the record is neither US nor CA
}

// DB is the in-memory iptv-org channel database with lookup indices.
// Read-only after Load/Fetch; safe for concurrent lookups.
type DB struct {
	Channels []Channel `json:"channels"`

	byID        map[string]*Channel
	byNormName  map[string][]string // normalised name → channel ids
	byShortCode map[string][]string // first id segment → channel ids
}

// Len returns the number of channels in the DB.
func (db *DB) Len() int { return len(db.Channels) }

// Load reads the DB from a JSON file. A missing file yields an empty DB.
func Load(path string) (*DB, error) {
	db := &DB{}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			db.buildIndices()
			return db, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, db); err != nil {
		return nil, fmt.Errorf("iptv-org db %s: %w", path, err)
	}
	db.buildIndices()
	return db, nil
}

// Save writes the DB to path atomically (temp file + rename).
func (db *DB) Save(path string) error {
	data, err := json.Marshal(db)
	if err != nil {
		return err
	}
	path = filepath.Clean(path)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".iptvorg-*.json.tmp")
	if err != nil {
		return fmt.Errorf("iptv-org db: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("iptv-org db: write: %w", writeErr)
		}
		return fmt.Errorf("iptv-org db: close: %w", closeErr)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("iptv-org db: rename: %w", err)
	}
	return nil
}

// Fetch downloads channels.json (DefaultChannelsURL when channelsURL is empty),
// replaces the DB contents and rebuilds indices. NSFW channels are skipped.
func (db *DB) Fetch(ctx context.Context, client *http.Client, channelsURL string) (int, error) {
	if channelsURL == "" {
		channelsURL = DefaultChannelsURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, channelsURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("iptv-org channels.json: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	var all []Channel
	if err := json.Unmarshal(body, &all); err != nil {
		return 0, fmt.Errorf("iptv-org channels.json parse: %w", err)
	}
	kept := all[:0]
	for _, ch := range all {
		if !ch.IsNSFW {
			kept = append(kept, ch)
		}
	}
	db.Channels = kept
	db.buildIndices()
	return len(kept), nil
}

// Lookup finds the iptv-org channel for a playlist channel. ok is false when no
// tier yields a single id.
func (db *DB) Lookup(tvgID, name string, country channel.Country) (Match, bool) {
	if name != "" {
		if id, ok := db.pick(db.byNormName[normName(name)], country); ok {
			return db.match(id, MethodNameExact), true
		}
		stripped := stripForMatch(name)
		if stripped != "" && stripped != normName(name) {
			if id, ok := db.pick(db.byNormName[stripped], country); ok {
				return db.match(id, MethodNameStripped), true
			}
		}
	}
	if sc := shortCode(tvgID); sc != "" {
		if id, ok := db.pick(db.byShortCode[sc], country); ok {
			return db.match(id, MethodShortCode), true
		}
	}
	return Match{}, false
}

// LookupByID returns the channel with the given iptv-org id, or nil.
func (db *DB) LookupByID(id string) *Channel {
	return db.byID[strings.ToLower(strings.TrimSpace(id))]
}

// pick returns the single candidate, or the single candidate from country.
func (db *DB) pick(ids []string, country channel.Country) (string, bool) {
	if len(ids) == 1 {
		return ids[0], true
	}
	if len(ids) == 0 || !country.Known() {
		return "", false
	}
	var found string
	for _, id := range ids {
		if ch := db.byID[strings.ToLower(id)]; ch != nil && channel.ParseCountry(ch.Country) == country {
			if found != "" {
				return "", false
			}
			found = id
		}
	}
	return found, found != ""
}

func (db *DB) match(id, method string) Match {
	m := Match{ID: id, Method: method, Country: channel.Unknown}
	if ch := db.byID[strings.ToLower(id)]; ch != nil {
		m.Country = channel.ParseCountry(ch.Country)
	}
	return m
}

func (db *DB) buildIndices() {
	db.byID = make(map[string]*Channel, len(db.Channels))
	db.byNormName = make(map[string][]string, len(db.Channels)*2)
	db.byShortCode = make(map[string][]string, len(db.Channels))

	for i := range db.Channels {
		ch := &db.Channels[i]
		db.byID[strings.ToLower(ch.ID)] = ch
		for _, n := range append([]string{ch.Name}, ch.AltNames...) {
			k := normName(n)
			if k != "" {
				db.byNormName[k] = appendUniq(db.byNormName[k], ch.ID)
			}
			if ks := stripForMatch(n); ks != "" && ks != k {
				db.byNormName[ks] = appendUniq(db.byNormName[ks], ch.ID)
			}
		}
		if sc := shortCode(ch.ID); sc != "" {
			db.byShortCode[sc] = appendUniq(db.byShortCode[sc], ch.ID)
		}
	}
}

func appendUniq(s []string, v string) []string {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}

// qualityMarkerRe strips common quality/re-encode suffixes used in IPTV feeds.
var qualityMarkerRe = regexp.MustCompile(`(?i)\s*\(?(HD2?|UHD|4K|8K|SD|RAW|FHD)\)?\s*$`)

// countryPrefixMatchRe strips "US: ", "CA| ", "UK - " style prefixes.
var countryPrefixMatchRe = regexp.MustCompile(`(?i)^[A-Z]{1,5}(?:\s*[:|]|\s+-)\s*`)

var nonAlphanumRe = regexp.MustCompile(`[^a-z0-9 ]`)

func normName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonAlphanumRe.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

func stripForMatch(s string) string {
	s = strings.TrimSpace(s)
	s = countryPrefixMatchRe.ReplaceAllString(s, "")
	s = qualityMarkerRe.ReplaceAllString(s, "")
	return normName(s)
}

// shortCode reduces an id like "cnn.us" or "CNN.us@East" to "cnn".
func shortCode(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if at := strings.IndexByte(id, '@'); at >= 0 {
		id = id[:at]
	}
	if dot := strings.LastIndexByte(id, '.'); dot >= 0 {
		id = id[:dot]
	}
	if slash := strings.LastIndexByte(id, '/'); slash >= 0 {
		id = id[slash+1:]
	}
	if len(id) < 2 || len(id) > 20 {
		return ""
	}
	return id
}
