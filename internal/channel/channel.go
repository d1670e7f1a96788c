// Package channel holds the channel records that flow through the guide pipeline
// and the normalizer that turns playlist entries into canonical channels.
package channel

import "strings"

// Country is the broadcast region inferred for a channel.
type Country string

const (
	US      Country = "US"
	CA      Country = "CA"
	Unknown Country = "UNKNOWN"
)

// ParseCountry maps s (any case, surrounding space ignored) to US or CA;
// everything else is Unknown.
func ParseCountry(s string) Country {
	switch Country(strings.ToUpper(strings.TrimSpace(s))) {
	case US:
		return US
	case CA:
		return CA
	}
	return Unknown
}

// Known reports whether c is US or CA.
func (c Country) Known() bool { return c == US || c == CA }

// Raw is one playlist entry as parsed. Optional fields are "" when absent.
type Raw struct {
	RawName    string
	TVGID      string
	TVGName    string
	TVGCountry string
	GroupTitle string
	StreamURL  string
	Attrs      map[string]string
}

// Channel is a Raw entry plus its canonical identity.
type Channel struct {
	Raw
	CanonicalName string
	Brand         string
	Country       Country
	InternalID    string // XMLTV <channel id>
}

// Resolved is a Channel plus its external EPG mapping. EPGID == "" means no mapping.
type Resolved struct {
	Channel
	EPGID           string
	EPGCountry      Country
	MatchConfidence float64
}

// Mapped reports whether the channel has an external EPG id.
func (r Resolved) Mapped() bool { return r.EPGID != "" }

// Unmapped wraps ch with no EPG mapping.
func Unmapped(ch Channel) Resolved { return Resolved{Channel: ch} }
