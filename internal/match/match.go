// Package match maps canonical channels to external EPG identifiers. Each Matcher
// is one strategy; Chain combines several.
package match

import (
	"context"
	"errors"
	"strings"

	"github.com/CWD273/cwdepg/internal/channel"
)

// Result is one matcher verdict. An empty ExternalID means "no match".
type Result struct {
	ExternalID string          `json:"epg_id"`
	Country    channel.Country `json:"country"`
	Confidence float64         `json:"confidence"`
}

// Matcher resolves a channel to an external EPG id. An error means the
// matcher could not answer, not that the channel has no match.
type Matcher interface {
	Match(ctx context.Context, ch channel.Channel) (Result, error)
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(ctx context.Context, ch channel.Channel) (Result, error)

func (f MatcherFunc) Match(ctx context.Context, ch channel.Channel) (Result, error) {
	return f(ctx, ch)
}

// IdentityConfidence is the fixed confidence reported by Identity.
const IdentityConfidence = 0.6

// Identity guesses the external id from the playlist itself: the tvg-id when
// present, else "<brand>.<country>". It never fails.
type Identity struct{}

func (Identity) Match(_ context.Context, ch channel.Channel) (Result, error) {
	id := ch.TVGID
	if id == "" {
		country := ch.Country
		if country == "" {
			country = channel.Unknown
		}
		id = ch.Brand + "." + strings.ToLower(string(country))
	}
	return Result{ExternalID: id, Country: ch.Country, Confidence: IdentityConfidence}, nil
}

// Chain asks each matcher in order. It returns the first result whose
// confidence reaches Floor, otherwise the most confident match seen. It fails
// only when every matcher failed.
type Chain struct {
	Matchers []Matcher
	Floor    float64
}

func (c Chain) Match(ctx context.Context, ch channel.Channel) (Result, error) {
	var (
		best    Result
		errs    []error
		answers int
	)
	for _, m := range c.Matchers {
		res, err := m.Match(ctx, ch)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		answers++
		if res.ExternalID == "" {
			continue
		}
		if res.Confidence >= c.Floor {
			return res, nil
		}
		if best.ExternalID == "" || res.Confidence > best.Confidence {
			best = res
		}
	}
	if answers == 0 && len(errs) > 0 {
		return Result{}, errors.Join(errs...)
	}
	return best, nil
}
