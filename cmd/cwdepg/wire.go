package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/CWD273/cwdepg/internal/branding"
	"github.com/CWD273/cwdepg/internal/channel"
	"github.com/CWD273/cwdepg/internal/config"
	"github.com/CWD273/cwdepg/internal/epg"
	"github.com/CWD273/cwdepg/internal/epglink"
	"github.com/CWD273/cwdepg/internal/httpclient"
	"github.com/CWD273/cwdepg/internal/iptvorg"
	"github.com/CWD273/cwdepg/internal/lookupcache"
	"github.com/CWD273/cwdepg/internal/match"
	"github.com/CWD273/cwdepg/internal/metrics"
	"github.com/CWD273/cwdepg/internal/pipeline"
	"github.com/CWD273/cwdepg/internal/playlist"
	"github.com/CWD273/cwdepg/internal/resolver"
	"github.com/CWD273/cwdepg/internal/xmltv"
)

// components owns everything a pipeline needs plus what must be closed on exit.
type components struct {
	Pipeline   *pipeline.Pipeline
	MatchCache *lookupcache.Cache[match.Result]
	closers    []io.Closer
}

func (c *components) Close() {
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			log.Printf("close: %v", err)
		}
	}
}

func buildPipeline(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*components, error) {
	c := &components{}
	rules, err := branding.Load(cfg.BrandingRulesFile)
	if err != nil {
		return nil, err
	}
	matcher, err := buildMatcher(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cache, store, err := buildMatchCache(cfg, m)
	if err != nil {
		return nil, err
	}
	if store != nil {
		c.closers = append(c.closers, store)
	}
	c.MatchCache = cache
	providers, err := buildProviders(cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	merge, err := epg.MergeByName(cfg.EPGMerge)
	if err != nil {
		c.Close()
		return nil, err
	}

	res := resolver.New(matcher, cache)
	res.Threshold = cfg.MatchThreshold
	res.TTL = cfg.MatchTTL
	res.NegativeTTL = cfg.MatchNegativeTTL
	res.CallTimeout = cfg.MatchTimeout
	res.Workers = cfg.MatchWorkers
	res.Limiter = limiter(cfg.MatchRatePerSec)
	res.Metrics = m

	agg := epg.NewAggregator(providers...)
	agg.Workers = cfg.EPGWorkers
	agg.CallTimeout = cfg.EPGTimeout
	agg.Limiter = limiter(cfg.EPGRatePerSec)
	agg.Merge = merge
	agg.Metrics = m

	c.Pipeline = &pipeline.Pipeline{
		Source:     playlist.NewFetcher(httpclient.New(cfg.PlaylistTimeout, cfg.UserAgent), cfg.PlaylistMaxBytes),
		Normalizer: channel.NewNormalizer(rules),
		Resolver:   res,
		Aggregator: agg,
		XMLTV: xmltv.Options{
			GeneratorName: cfg.GeneratorName,
			DummyGuide:    cfg.DummyGuide,
		},
		Metrics: m,
	}
	return c, nil
}

func limiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSec), 1)
}

// buildMatcher turns CWDEPG_MATCHERS into one Matcher; several are chained in order.
func buildMatcher(ctx context.Context, cfg *config.Config) (match.Matcher, error) {
	var ms []match.Matcher
	for _, name := range cfg.Matchers {
		switch name {
		case "identity":
			ms = append(ms, match.Identity{})
		case "directory":
			if cfg.DirectoryXMLTVURL == "" {
				return nil, fmt.Errorf("matcher directory: CWDEPG_DIRECTORY_XMLTV is not set")
			}
			dir, err := epglink.LoadDirectory(ctx, httpclient.New(cfg.EPGTimeout, cfg.UserAgent), cfg.DirectoryXMLTVURL, cfg.DirectoryAliases)
			if err != nil {
				return nil, fmt.Errorf("matcher directory: %w", err)
			}
			log.Printf("matcher directory: %d XMLTV channels", dir.Len())
			ms = append(ms, match.Directory{Dir: dir})
		case "iptvorg":
			db, err := iptvorg.Load(cfg.IPTVOrgDBPath)
			if err != nil {
				return nil, fmt.Errorf("matcher iptvorg: %w", err)
			}
			if db.Len() == 0 {
				log.Printf("matcher iptvorg: %s is empty; run harvest-iptvorg", cfg.IPTVOrgDBPath)
			}
			ms = append(ms, match.IPTVOrg{DB: db})
		case "gemini":
			if cfg.GeminiAPIKey == "" {
				return nil, fmt.Errorf("matcher gemini: CWDEPG_GEMINI_API_KEY is not set")
			}
			ms = append(ms, match.NewGemini(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiBaseURL,
				httpclient.New(cfg.MatchTimeout, cfg.UserAgent), cfg.MatchRatePerSec))
		default:
			return nil, fmt.Errorf("unknown matcher %q", name)
		}
	}
	switch len(ms) {
	case 0:
		return match.Identity{}, nil
	case 1:
		return ms[0], nil
	}
	return match.Chain{Matchers: ms, Floor: cfg.MatchThreshold}, nil
}

func buildMatchCache(cfg *config.Config, m *metrics.Metrics) (*lookupcache.Cache[match.Result], *lookupcache.SQLiteStore, error) {
	opts := []lookupcache.Option{}
	if m != nil {
		opts = append(opts, lookupcache.WithObserver(m.CacheObserver("match")))
	}
	var store *lookupcache.SQLiteStore
	if cfg.CacheDBPath != "" {
		var err error
		store, err = lookupcache.OpenSQLite(cfg.CacheDBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("match cache: %w", err)
		}
		opts = append(opts, lookupcache.WithStore(store))
	}
	return lookupcache.New[match.Result](cfg.CacheDefaultTTL, opts...), store, nil
}

func buildProviders(cfg *config.Config) ([]epg.Provider, error) {
	client := func() *http.Client { return httpclient.New(cfg.EPGTimeout, cfg.UserAgent) }
	var out []epg.Provider
	for _, name := range cfg.EPGProviders {
		switch name {
		case "none":
			out = append(out, epg.None{})
		case "xmltv":
			if cfg.XMLTVFeedURL == "" {
				return nil, fmt.Errorf("provider xmltv: CWDEPG_XMLTV_FEED_URL is not set")
			}
			// The whole-feed download has its own deadline, not the per-call EPG timeout.
			f := epg.NewXMLTVFeed(cfg.XMLTVFeedURL, httpclient.New(cfg.XMLTVFeedLoad, cfg.UserAgent), cfg.XMLTVFeedTTL)
			f.PreferLangs = cfg.XMLTVLangs
			f.LoadTimeout = cfg.XMLTVFeedLoad
			out = append(out, f)
		case "xtream":
			if cfg.XtreamBaseURL == "" || cfg.XtreamUser == "" {
				return nil, fmt.Errorf("provider xtream: CWDEPG_XTREAM_URL and CWDEPG_XTREAM_USER are required")
			}
			out = append(out, epg.NewXtream(cfg.XtreamBaseURL, cfg.XtreamUser, cfg.XtreamPass, client()))
		case "json":
			if cfg.JSONEPGURL == "" {
				return nil, fmt.Errorf("provider json: CWDEPG_JSON_EPG_URL is not set")
			}
			out = append(out, epg.NewJSONAPI(cfg.JSONEPGURL, client()))
		default:
			return nil, fmt.Errorf("unknown EPG provider %q", name)
		}
	}
	return out, nil
}
