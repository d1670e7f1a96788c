// Package epglink matches playlist channels against the channel list of an XMLTV
// directory using deterministic tiers: tvg-id, alias override, unique normalized name.
package epglink

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/CWD273/cwdepg/internal/channel"
	"github.com/CWD273/cwdepg/internal/httpclient"
	"github.com/CWD273/cwdepg/internal/safeurl"
)

type XMLTVChannel struct {
	ID           string   `json:"id"`
	DisplayNames []string `json:"display_names,omitempty"`
}

type AliasOverrides struct {
	// Map of normalized provider channel name -> XMLTV channel ID.
	NameToXMLTVID map[string]string `json:"name_to_xmltv_id,omitempty"`
}

type MatchMethod string

const (
	MatchTVGIDExact          MatchMethod = "tvg_id_exact"
	MatchAliasExact          MatchMethod = "alias_exact"
	MatchNormalizedNameExact MatchMethod = "name_exact"
)

// noiseTokens are dropped before comparing names. Region words are kept because
// US and Canadian feeds of the same brand map to different guide ids.
var noiseTokens = map[string]struct{}{
	"hd": {}, "uhd": {}, "fhd": {}, "sd": {}, "4k": {},
	"hq": {}, "vip": {}, "backup": {}, "raw": {},
}

// NormalizeName performs a conservative normalization for deterministic channel
// matching: punctuation and spacing noise removed, quality tokens dropped,
// lower-cased and joined.
func NormalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	toks := strings.Fields(b.String())
	out := toks[:0]
	for _, t := range toks {
		if _, drop := noiseTokens[t]; drop {
			continue
		}
		out = append(out, t)
	}
	return strings.ReplaceAll(strings.Join(out, ""), "channel", "")
}

func ParseXMLTVChannels(r io.Reader) ([]XMLTVChannel, error) {
	dec := xml.NewDecoder(r)
	type displayName struct {
		Text string `xml:",chardata"`
	}
	type chNode struct {
		ID           string        `xml:"id,attr"`
		DisplayNames []displayName `xml:"display-name"`
	}
	var out []XMLTVChannel
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		// Channels precede programmes in XMLTV; stop at the first programme.
		if se.Name.Local == "programme" {
			break
		}
		if se.Name.Local != "channel" {
			continue
		}
		var node chNode
		if err := dec.DecodeElement(&node, &se); err != nil {
			return nil, err
		}
		if strings.TrimSpace(node.ID) == "" {
			continue
		}
		row := XMLTVChannel{ID: strings.TrimSpace(node.ID)}
		for _, dn := range node.DisplayNames {
			if name := strings.TrimSpace(dn.Text); name != "" {
				row.DisplayNames = append(row.DisplayNames, name)
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func LoadAliasOverrides(r io.Reader) (AliasOverrides, error) {
	var out AliasOverrides
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return AliasOverrides{}, err
	}
	norm := make(map[string]string, len(out.NameToXMLTVID))
	for k, v := range out.NameToXMLTVID {
		nk := NormalizeName(k)
		if nk == "" || strings.TrimSpace(v) == "" {
			continue
		}
		norm[nk] = strings.TrimSpace(v)
	}
	out.NameToXMLTVID = norm
	return out, nil
}

// Directory is an indexed XMLTV channel list. Immutable after NewDirectory.
type Directory struct {
	byID     map[string]string
	nameToID map[string]string // normalized name -> unique id; "" = ambiguous
	aliases  AliasOverrides
	size     int
}

func NewDirectory(channels []XMLTVChannel, aliases AliasOverrides) *Directory {
	d := &Directory{
		byID:     make(map[string]string, len(channels)),
		nameToID: make(map[string]string, len(channels)*2),
		aliases:  aliases,
		size:     len(channels),
	}
	for _, ch := range channels {
		d.byID[strings.ToLower(ch.ID)] = ch.ID
		for _, n := range append([]string{ch.ID}, ch.DisplayNames...) {
			nk := NormalizeName(n)
			if nk == "" {
				continue
			}
			if existing, ok := d.nameToID[nk]; ok && existing != ch.ID {
				d.nameToID[nk] = ""
				continue
			}
			d.nameToID[nk] = ch.ID
		}
	}
	return d
}

// Len is the number of XMLTV channels indexed.
func (d *Directory) Len() int { return d.size }

// Match finds the XMLTV id for a channel. reason explains a miss.
func (d *Directory) Match(tvgID string, names ...string) (xmltvID string, method MatchMethod, reason string) {
	if tid := strings.ToLower(strings.TrimSpace(tvgID)); tid != "" {
		if id, ok := d.byID[tid]; ok {
			return id, MatchTVGIDExact, ""
		}
	}
	reason = "no deterministic match"
	for _, name := range names {
		nk := NormalizeName(name)
		if nk == "" {
			continue
		}
		if id := d.aliases.NameToXMLTVID[nk]; id != "" {
			return id, MatchAliasExact, ""
		}
	}
	for _, name := range names {
		nk := NormalizeName(name)
		if nk == "" {
			continue
		}
		if id, ok := d.nameToID[nk]; ok {
			if id != "" {
				return id, MatchNormalizedNameExact, ""
			}
			reason = "ambiguous normalized name"
		}
	}
	return "", "", reason
}

// LoadDirectory reads an XMLTV document from an http(s) URL or a local file and
// indexes its channels. aliasPath may be empty.
func LoadDirectory(ctx context.Context, client *http.Client, source, aliasPath string) (*Directory, error) {
	rc, err := open(ctx, client, source)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	channels, err := ParseXMLTVChannels(rc)
	if err != nil {
		return nil, fmt.Errorf("parse xmltv channels %s: %w", safeurl.Redact(source), err)
	}
	aliases := AliasOverrides{NameToXMLTVID: map[string]string{}}
	if aliasPath != "" {
		f, err := os.Open(filepath.Clean(aliasPath))
		if err != nil {
			return nil, fmt.Errorf("alias overrides: %w", err)
		}
		defer f.Close()
		if aliases, err = LoadAliasOverrides(f); err != nil {
			return nil, fmt.Errorf("alias overrides %s: %w", aliasPath, err)
		}
	}
	return NewDirectory(channels, aliases), nil
}

func open(ctx context.Context, client *http.Client, source string) (io.ReadCloser, error) {
	if !safeurl.IsHTTPOrHTTPS(source) {
		return os.Open(filepath.Clean(source))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("xmltv directory %s: HTTP %d", safeurl.Redact(source), resp.StatusCode)
	}
	return resp.Body, nil
}

type ChannelMatch struct {
	InternalID   string      `json:"internal_id"`
	Name         string      `json:"name"`
	TVGID        string      `json:"tvg_id,omitempty"`
	Matched      bool        `json:"matched"`
	MatchedXMLTV string      `json:"matched_xmltv_id,omitempty"`
	Method       MatchMethod `json:"method,omitempty"`
	Normalized   string      `json:"normalized_name,omitempty"`
	Reason       string      `json:"reason,omitempty"`
}

type Report struct {
	TotalChannels int            `json:"total_channels"`
	Matched       int            `json:"matched"`
	Unmatched     int            `json:"unmatched"`
	Methods       map[string]int `json:"methods"`
	Rows          []ChannelMatch `json:"rows"`
}

// BuildReport matches every channel against d. Rows are sorted matched first, then by name.
func BuildReport(channels []channel.Channel, d *Directory) Report {
	rep := Report{
		TotalChannels: len(channels),
		Methods:       map[string]int{},
		Rows:          make([]ChannelMatch, 0, len(channels)),
	}
	for _, ch := range channels {
		row := ChannelMatch{
			InternalID: ch.InternalID,
			Name:       ch.CanonicalName,
			TVGID:      ch.TVGID,
			Normalized: NormalizeName(ch.CanonicalName),
		}
		row.MatchedXMLTV, row.Method, row.Reason = d.Match(ch.TVGID, ch.CanonicalName, ch.TVGName)
		row.Matched = row.MatchedXMLTV != ""
		if row.Matched {
			rep.Matched++
			rep.Methods[string(row.Method)]++
		}
		rep.Rows = append(rep.Rows, row)
	}
	rep.Unmatched = rep.TotalChannels - rep.Matched
	sort.SliceStable(rep.Rows, func(i, j int) bool {
		if rep.Rows[i].Matched != rep.Rows[j].Matched {
			return rep.Rows[i].Matched
		}
		return strings.ToLower(rep.Rows[i].Name) < strings.ToLower(rep.Rows[j].Name)
	})
	return rep
}

func (r Report) UnmatchedRows() []ChannelMatch {
	out := make([]ChannelMatch, 0, r.Unmatched)
	for _, row := range r.Rows {
		if !row.Matched {
			out = append(out, row)
		}
	}
	return out
}

func (r Report) SummaryString() string {
	methods := make([]string, 0, len(r.Methods))
	for k := range r.Methods {
		methods = append(methods, k)
	}
	sort.Strings(methods)
	var b strings.Builder
	fmt.Fprintf(&b, "EPG matches: %d/%d (%.1f%%)", r.Matched, r.TotalChannels, pct(r.Matched, r.TotalChannels))
	if len(methods) > 0 {
		b.WriteString(" [")
		for i, k := range methods {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%d", k, r.Methods[k])
		}
		b.WriteString("]")
	}
	return b.String()
}

func pct(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) * 100 / float64(b)
}
