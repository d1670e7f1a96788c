// Package pipeline runs one guide build: fetch the playlist, parse, normalize,
// resolve EPG ids, gather programmes and render XMLTV.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/CWD273/cwdepg/internal/channel"
	"github.com/CWD273/cwdepg/internal/config"
	"github.com/CWD273/cwdepg/internal/epg"
	"github.com/CWD273/cwdepg/internal/metrics"
	"github.com/CWD273/cwdepg/internal/playlist"
	"github.com/CWD273/cwdepg/internal/resolver"
	"github.com/CWD273/cwdepg/internal/safeurl"
	"github.com/CWD273/cwdepg/internal/xmltv"
)

var tracer = otel.Tracer("github.com/CWD273/cwdepg/internal/pipeline")

// Source returns the playlist text at url. Failures should wrap
// playlist.ErrUpstream so callers can tell them apart.
type Source interface {
	Fetch(ctx context.Context, url string) (string, error)
}

type Pipeline struct {
	Source     Source
	Normalizer *channel.Normalizer
	Resolver   *resolver.Resolver
	Aggregator *epg.Aggregator
	XMLTV      xmltv.Options
	Metrics    *metrics.Metrics
}

type Request struct {
	PlaylistURL string
	Days        int // clamped to 1-14; 0 means the default
}

type Result struct {
	XML        []byte
	Channels   int // unique channels in the document
	Mapped     int
	Programmes int
}

// Run builds one XMLTV document. Playlist failures come back unchanged (they
// match playlist.ErrUpstream); later stages only fail on cancellation.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	days := config.ClampDays(req.Days)
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("playlist.url", safeurl.Redact(req.PlaylistURL)),
		attribute.Int("days", days),
	))
	defer span.End()

	res, err := p.run(ctx, req.PlaylistURL, days)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.Metrics.Run("error")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("channels", res.Channels),
		attribute.Int("channels.mapped", res.Mapped),
		attribute.Int("programmes", res.Programmes),
	)
	p.Metrics.Run("ok")
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, url string, days int) (*Result, error) {
	var text string
	err := p.stage(ctx, "fetch", func(ctx context.Context) error {
		var err error
		text, err = p.Source.Fetch(ctx, url)
		return err
	})
	if err != nil {
		return nil, err
	}

	var raws []channel.Raw
	_ = p.stage(ctx, "parse", func(context.Context) error {
		raws = playlist.Parse(text)
		return nil
	})

	norm := p.Normalizer
	if norm == nil {
		norm = channel.NewNormalizer(nil)
	}
	var chans []channel.Channel
	_ = p.stage(ctx, "normalize", func(context.Context) error {
		chans = norm.Normalize(raws)
		return nil
	})

	var resolved []channel.Resolved
	if err := p.stage(ctx, "resolve", func(ctx context.Context) error {
		var err error
		resolved, err = p.Resolver.Resolve(ctx, chans)
		return err
	}); err != nil {
		return nil, fmt.Errorf("resolve channels: %w", err)
	}

	var progs []epg.Programme
	if err := p.stage(ctx, "aggregate", func(ctx context.Context) error {
		var err error
		progs, err = p.Aggregator.Aggregate(ctx, resolved, epg.Window{Days: days})
		return err
	}); err != nil {
		return nil, fmt.Errorf("aggregate programmes: %w", err)
	}

	var buf bytes.Buffer
	opts := p.XMLTV
	opts.Days = days
	if err := p.stage(ctx, "serialize", func(context.Context) error {
		return xmltv.Write(&buf, resolved, progs, opts)
	}); err != nil {
		return nil, fmt.Errorf("serialize xmltv: %w", err)
	}

	res := &Result{XML: buf.Bytes(), Programmes: len(progs)}
	seen := make(map[string]bool, len(resolved))
	for _, ch := range resolved {
		if ch.Mapped() {
			res.Mapped++
		}
		if !seen[ch.InternalID] {
			seen[ch.InternalID] = true
			res.Channels++
		}
	}
	log.Printf("pipeline: %d entries, %d channels (%d mapped), %d programmes, %d days",
		len(raws), res.Channels, res.Mapped, res.Programmes, days)
	return res, nil
}

// stage runs fn under its own span and records its duration.
func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "pipeline."+name)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	p.Metrics.ObserveStage(name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
