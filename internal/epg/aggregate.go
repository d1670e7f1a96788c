package epg

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/CWD273/cwdepg/internal/channel"
	"github.com/CWD273/cwdepg/internal/metrics"
)

// MergeFunc combines one channel's listings, one slice per provider in
// configured order.
type MergeFunc func(perProvider [][]Programme) []Programme

// Concat appends provider results in order.
func Concat(perProvider [][]Programme) []Programme {
	var out []Programme
	for _, p := range perProvider {
		out = append(out, p...)
	}
	return out
}

// DedupeExact is Concat without listings whose title, start and stop repeat an
// earlier one.
func DedupeExact(perProvider [][]Programme) []Programme {
	seen := make(map[string]struct{})
	var out []Programme
	for _, p := range perProvider {
		for _, pr := range p {
			key := fmt.Sprintf("%s|%d|%d", pr.Title, pr.Start.Unix(), pr.Stop.Unix())
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, pr)
		}
	}
	return out
}

// MergeByName maps the EPG_MERGE setting to a MergeFunc.
func MergeByName(name string) (MergeFunc, error) {
	switch name {
	case "", "concat":
		return Concat, nil
	case "dedupe":
		return DedupeExact, nil
	}
	return nil, fmt.Errorf("unknown merge policy %q", name)
}

// Aggregator queries every provider for every mapped channel.
type Aggregator struct {
	Providers   []Provider
	Workers     int
	CallTimeout time.Duration // per provider call; 0 = none
	Limiter     *rate.Limiter // nil = unlimited
	Merge       MergeFunc     // nil = Concat
	Metrics     *metrics.Metrics
}

// NewAggregator returns an Aggregator with default workers and timeout.
func NewAggregator(providers ...Provider) *Aggregator {
	return &Aggregator{
		Providers:   providers,
		Workers:     8,
		CallTimeout: 20 * time.Second,
		Merge:       Concat,
	}
}

// Aggregate returns listings for the mapped channels, grouped by channel in
// input order. Provider failures only cost that provider's listings for that
// channel. Cancelling ctx returns ctx.Err() and no listings.
func (a *Aggregator) Aggregate(ctx context.Context, chans []channel.Resolved, w Window) ([]Programme, error) {
	perChannel := make([][]Programme, len(chans))
	workers := a.Workers
	if workers <= 0 {
		workers = 1
	}
	p := pool.New().WithMaxGoroutines(workers)
	for i := range chans {
		if !chans[i].Mapped() || len(a.Providers) == 0 {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		i := i
		p.Go(func() {
			perChannel[i] = a.collect(ctx, chans[i], w.Days)
		})
	}
	p.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Programme
	for _, progs := range perChannel {
		out = append(out, progs...)
	}
	return out, nil
}

func (a *Aggregator) collect(ctx context.Context, ch channel.Resolved, days int) []Programme {
	perProvider := make([][]Programme, 0, len(a.Providers))
	for _, prov := range a.Providers {
		raw, err := a.fetch(ctx, prov, ch.EPGID, days)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("epg: %s %q failed: %v", prov.Name(), ch.EPGID, err)
			a.Metrics.ProviderFetch(prov.Name(), "error")
			continue
		}
		if len(raw) == 0 {
			a.Metrics.ProviderFetch(prov.Name(), "empty")
			continue
		}
		a.Metrics.ProviderFetch(prov.Name(), "ok")
		progs, dropped := Bind(ch.InternalID, raw)
		if dropped > 0 {
			log.Printf("epg: %s %q: dropped %d listings with unreadable times", prov.Name(), ch.EPGID, dropped)
		}
		perProvider = append(perProvider, progs)
	}
	merge := a.Merge
	if merge == nil {
		merge = Concat
	}
	return merge(perProvider)
}

func (a *Aggregator) fetch(ctx context.Context, prov Provider, id string, days int) ([]RawProgramme, error) {
	if a.Limiter != nil {
		if err := a.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if a.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.CallTimeout)
		defer cancel()
	}
	return prov.FetchProgrammes(ctx, id, days)
}
