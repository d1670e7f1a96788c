package channel

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mozillazg/go-unidecode"
	"golang.org/x/text/unicode/norm"

	"github.com/CWD273/cwdepg/internal/branding"
)

var (
	qualityTokenRe = regexp.MustCompile(`(?i)\s*\((?:HD|FHD|UHD|4K)\)|\s+(?:HD|FHD|UHD|4K)\b`)
	bracketGroupRe = regexp.MustCompile(`\[.*?\]`)
	parenGroupRe   = regexp.MustCompile(`\(.*?\)`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
	slugSepRe      = regexp.MustCompile(`[^a-z0-9]+`)
)

// Normalizer assigns canonical name, brand, country and internal id to playlist entries.
type Normalizer struct {
	rules *branding.Rules
}

// NewNormalizer returns a Normalizer using rules; nil means branding.Default().
func NewNormalizer(rules *branding.Rules) *Normalizer {
	if rules == nil {
		rules = branding.Default()
	}
	return &Normalizer{rules: rules}
}

// Normalize returns one Channel per record, in input order. The record's index is
// used for the placeholder id of entries whose name slugs to nothing.
func (n *Normalizer) Normalize(records []Raw) []Channel {
	out := make([]Channel, len(records))
	for i, r := range records {
		out[i] = n.normalizeOne(r, i)
	}
	return out
}

func (n *Normalizer) normalizeOne(r Raw, index int) Channel {
	name := r.RawName
	if name == "" {
		name = r.TVGName
	}
	canonical := CanonicalName(name)
	brand := strings.ToLower(canonical)
	country := n.Country(r.TVGCountry, canonical)
	return Channel{
		Raw:           r,
		CanonicalName: canonical,
		Brand:         brand,
		Country:       country,
		InternalID:    InternalID(brand, country, index),
	}
}

// Country infers the region: an explicit US/CA tvg-country wins, then Canadian
// tokens, then dual-region brands (CA only when the name says "canada").
func (n *Normalizer) Country(tvgCountry, canonical string) Country {
	if c := ParseCountry(tvgCountry); c.Known() {
		return c
	}
	if n.rules.IsExplicitCanadian(canonical) {
		return CA
	}
	if n.rules.IsDualRegion(canonical) {
		if strings.Contains(strings.ToLower(canonical), "canada") {
			return CA
		}
		return US
	}
	return Unknown
}

// CanonicalName strips quality markers and bracketed/parenthesized groups and
// collapses whitespace. Applying it twice gives the same result as once.
func CanonicalName(name string) string {
	s := norm.NFC.String(name)
	for i := 0; i < 8; i++ {
		next := cleanOnce(s)
		if next == s {
			break
		}
		s = next
	}
	return s
}

func cleanOnce(s string) string {
	s = qualityTokenRe.ReplaceAllString(s, "")
	s = bracketGroupRe.ReplaceAllString(s, "")
	s = parenGroupRe.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Slug transliterates brand to ASCII and joins its alphanumeric runs with ".".
func Slug(brand string) string {
	s := strings.ToLower(unidecode.Unidecode(brand))
	s = slugSepRe.ReplaceAllString(s, ".")
	return strings.Trim(s, ".")
}

// InternalID is Slug(brand) plus ".us"/".ca" for known countries, or
// "chan-<index>" when the slug is empty.
func InternalID(brand string, country Country, index int) string {
	slug := Slug(brand)
	if slug == "" {
		return "chan-" + strconv.Itoa(index)
	}
	if country.Known() {
		return slug + "." + strings.ToLower(string(country))
	}
	return slug
}
