package match

import (
	"context"

	"github.com/CWD273/cwdepg/internal/channel"
	"github.com/CWD273/cwdepg/internal/iptvorg"
)

var iptvorgConfidence = map[string]float64{
	iptvorg.MethodNameExact:    0.85,
	iptvorg.MethodNameStripped: 0.7,
	iptvorg.MethodShortCode:    0.55,
}

// IPTVOrg matches against the local iptv-org channel database.
type IPTVOrg struct {
	DB *iptvorg.DB
}

func (m IPTVOrg) Match(_ context.Context, ch channel.Channel) (Result, error) {
	// A tvg-id that is already an iptv-org id needs no name matching.
	if rec := m.DB.LookupByID(ch.TVGID); rec != nil {
		return Result{ExternalID: rec.ID, Country: channel.ParseCountry(rec.Country), Confidence: 1.0}, nil
	}
	name := ch.CanonicalName
	if name == "" {
		name = ch.TVGName
	}
	hit, ok := m.DB.Lookup(ch.TVGID, name, ch.Country)
	if !ok {
		return Result{Country: channel.Unknown}, nil
	}
	return Result{ExternalID: hit.ID, Country: hit.Country, Confidence: iptvorgConfidence[hit.Method]}, nil
}
