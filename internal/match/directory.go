package match

import (
	"context"
	"strings"

	"github.com/CWD273/cwdepg/internal/channel"
	"github.com/CWD273/cwdepg/internal/epglink"
)

// Confidence per deterministic directory tier.
var directoryConfidence = map[epglink.MatchMethod]float64{
	epglink.MatchTVGIDExact:          1.0,
	epglink.MatchAliasExact:          0.95,
	epglink.MatchNormalizedNameExact: 0.8,
}

// Directory matches against the channel list of an XMLTV guide.
type Directory struct {
	Dir *epglink.Directory
}

func (d Directory) Match(_ context.Context, ch channel.Channel) (Result, error) {
	id, method, _ := d.Dir.Match(ch.TVGID, ch.CanonicalName, ch.TVGName, ch.RawName)
	if id == "" {
		return Result{Country: channel.Unknown}, nil
	}
	return Result{
		ExternalID: id,
		Country:    countryFromID(id),
		Confidence: directoryConfidence[method],
	}, nil
}

// countryFromID reads a trailing ".us"/".ca" (before any "@feed" suffix).
func countryFromID(id string) channel.Country {
	id = strings.ToLower(id)
	if at := strings.IndexByte(id, '@'); at >= 0 {
		id = id[:at]
	}
	switch {
	case strings.HasSuffix(id, ".us"):
		return channel.US
	case strings.HasSuffix(id, ".ca"):
		return channel.CA
	}
	return channel.Unknown
}
