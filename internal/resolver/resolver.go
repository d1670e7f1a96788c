// Package resolver attaches external EPG ids to normalized channels, caching
// matcher verdicts so repeated builds do not re-query the matcher.
package resolver

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/CWD273/cwdepg/internal/channel"
	"github.com/CWD273/cwdepg/internal/match"
	"github.com/CWD273/cwdepg/internal/metrics"
)

const (
	DefaultThreshold = 0.5
	DefaultTTL       = 7 * 24 * time.Hour
)

// Cache is the subset of lookupcache.Cache the resolver needs.
type Cache interface {
	Get(key string) (match.Result, bool)
	SetTTL(key string, v match.Result, ttl time.Duration)
}

// Resolver resolves channels through Matcher with Cache in front of it.
type Resolver struct {
	Matcher   match.Matcher
	Cache     Cache
	Threshold float64
	// TTL applies to accepted verdicts, NegativeTTL to verdicts without a usable
	// id. NegativeTTL 0 means such verdicts are not cached.
	TTL         time.Duration
	NegativeTTL time.Duration
	CallTimeout time.Duration
	Workers     int
	Limiter     *rate.Limiter // nil = unlimited
	Metrics     *metrics.Metrics
}

// New returns a Resolver with the reference threshold and cache lifetimes.
func New(m match.Matcher, cache Cache) *Resolver {
	return &Resolver{
		Matcher:     m,
		Cache:       cache,
		Threshold:   DefaultThreshold,
		TTL:         DefaultTTL,
		NegativeTTL: DefaultTTL,
		CallTimeout: 10 * time.Second,
		Workers:     8,
	}
}

// CacheKey identifies a channel for verdict caching.
func CacheKey(ch channel.Channel) string {
	return strings.Join([]string{
		strings.ToLower(ch.CanonicalName),
		ch.TVGID,
		ch.TVGName,
		ch.TVGCountry,
	}, "|")
}

// Resolve returns one Resolved per input channel, in input order. Matcher
// failures leave that channel unmapped. Cancelling ctx abandons the batch and
// returns ctx.Err().
func (r *Resolver) Resolve(ctx context.Context, chans []channel.Channel) ([]channel.Resolved, error) {
	out := make([]channel.Resolved, len(chans))
	workers := r.Workers
	if workers <= 0 {
		workers = 1
	}
	p := pool.New().WithMaxGoroutines(workers)
	for i := range chans {
		if ctx.Err() != nil {
			break
		}
		i := i
		p.Go(func() {
			out[i] = r.resolveOne(ctx, chans[i])
		})
	}
	p.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resolver) resolveOne(ctx context.Context, ch channel.Channel) channel.Resolved {
	key := CacheKey(ch)
	if r.Cache != nil {
		if res, ok := r.Cache.Get(key); ok {
			r.Metrics.Resolution("cached")
			return r.apply(ch, res)
		}
	}
	res, err := r.call(ctx, ch)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("resolver: match %q failed: %v", ch.CanonicalName, err)
		}
		r.Metrics.Resolution("error")
		return channel.Unmapped(ch)
	}
	accepted := r.accepted(res)
	if r.Cache != nil {
		switch {
		case accepted:
			r.Cache.SetTTL(key, res, r.TTL)
		case r.NegativeTTL > 0:
			r.Cache.SetTTL(key, res, r.NegativeTTL)
		}
	}
	if accepted {
		r.Metrics.Resolution("accepted")
	} else {
		r.Metrics.Resolution("rejected")
	}
	return r.apply(ch, res)
}

func (r *Resolver) call(ctx context.Context, ch channel.Channel) (match.Result, error) {
	if r.Limiter != nil {
		if err := r.Limiter.Wait(ctx); err != nil {
			return match.Result{}, err
		}
	}
	if r.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.CallTimeout)
		defer cancel()
	}
	return r.Matcher.Match(ctx, ch)
}

func (r *Resolver) accepted(res match.Result) bool {
	return res.ExternalID != "" && res.Confidence >= r.Threshold
}

// apply turns a verdict into a Resolved channel. An unknown verdict country
// falls back to the channel's own country.
func (r *Resolver) apply(ch channel.Channel, res match.Result) channel.Resolved {
	if !r.accepted(res) {
		return channel.Unmapped(ch)
	}
	country := res.Country
	if !country.Known() {
		country = ch.Country
	}
	return channel.Resolved{
		Channel:         ch,
		EPGID:           res.ExternalID,
		EPGCountry:      country,
		MatchConfidence: res.Confidence,
	}
}
