// Command cwdepg turns an IPTV M3U playlist into an XMLTV guide.
//
// Usage:
//
//	cwdepg serve            HTTP endpoints /api/epg, /epg.xml, /guide.xml
//	cwdepg generate -o f    build one guide and write it to a file (or stdout)
//	cwdepg check            fetch the playlist and report; --url also probes a running server
//	cwdepg harvest-iptvorg  refresh the local iptv-org channel database
//	cwdepg cache-prune      drop expired rows from the persistent match cache
//	cwdepg match-report     show how playlist channels map onto an XMLTV directory
//
// Settings come from CWDEPG_* environment variables; a .env in the working
// directory is loaded first.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/CWD273/cwdepg/internal/branding"
	"github.com/CWD273/cwdepg/internal/channel"
	"github.com/CWD273/cwdepg/internal/config"
	"github.com/CWD273/cwdepg/internal/epglink"
	"github.com/CWD273/cwdepg/internal/health"
	"github.com/CWD273/cwdepg/internal/httpclient"
	"github.com/CWD273/cwdepg/internal/iptvorg"
	"github.com/CWD273/cwdepg/internal/logging"
	"github.com/CWD273/cwdepg/internal/lookupcache"
	"github.com/CWD273/cwdepg/internal/metrics"
	"github.com/CWD273/cwdepg/internal/pipeline"
	"github.com/CWD273/cwdepg/internal/playlist"
	"github.com/CWD273/cwdepg/internal/safeurl"
	"github.com/CWD273/cwdepg/internal/server"
	"github.com/CWD273/cwdepg/internal/tracing"
)

type options struct {
	EnvFile string `long:"env-file" default:".env" description:"dotenv file loaded before reading CWDEPG_* variables"`

	Serve          serveCmd       `command:"serve" description:"serve XMLTV over HTTP"`
	Generate       generateCmd    `command:"generate" description:"build one XMLTV document"`
	Check          checkCmd       `command:"check" description:"fetch the playlist and report"`
	HarvestIPTVOrg harvestCmd     `command:"harvest-iptvorg" description:"download the iptv-org channel database"`
	CachePrune     cachePruneCmd  `command:"cache-prune" description:"delete expired entries from the match cache"`
	MatchReport    matchReportCmd `command:"match-report" description:"report playlist coverage against an XMLTV directory"`
}

var cli options

func main() {
	parser := flags.NewParser(&cli, flags.Default)
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if cmd == nil {
			return nil
		}
		// Missing .env is fine.
		_ = config.LoadEnvFile(cli.EnvFile)
		return cmd.Execute(args)
	}
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			os.Exit(1)
		}
		log.Printf("%v", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func setupLogging(cfg *config.Config) io.Closer {
	return logging.Setup(logging.Options{File: cfg.LogFile, MaxSizeMB: cfg.LogMaxSizeMB, MaxBackups: cfg.LogMaxBackups})
}

type serveCmd struct {
	Listen string `long:"listen" description:"listen address (overrides CWDEPG_LISTEN)"`
}

func (c *serveCmd) Execute([]string) error {
	cfg := config.Load()
	if c.Listen != "" {
		cfg.ListenAddr = c.Listen
	}
	defer setupLogging(cfg).Close()

	ctx, stop := signalContext()
	defer stop()

	shutdown, err := tracing.Setup(ctx, tracing.ExporterType(cfg.TraceExporter))
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	m := metrics.New()
	comp, err := buildPipeline(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer comp.Close()
	if cfg.CacheSweepInterval > 0 {
		comp.MatchCache.StartSweeper(ctx, cfg.CacheSweepInterval)
	}

	log.Printf("serving playlist %s (matchers=%v providers=%v)", safeurl.Redact(cfg.PlaylistURL), cfg.Matchers, cfg.EPGProviders)
	return server.New(cfg, comp.Pipeline, m).Run(ctx)
}

type generateCmd struct {
	Output string `short:"o" long:"output" default:"-" description:"output file; - writes to stdout"`
	Days   int    `long:"days" description:"days of guide data (1-14); default CWDEPG_DAYS"`
	M3U    string `long:"m3u" description:"playlist URL (overrides CWDEPG_PLAYLIST_URL)"`
}

func (c *generateCmd) Execute([]string) error {
	cfg := config.Load()
	defer setupLogging(cfg).Close()
	if c.M3U != "" {
		cfg.PlaylistURL = c.M3U
	}
	days := cfg.DefaultDays
	if c.Days != 0 {
		days = config.ClampDays(c.Days)
	}

	ctx, stop := signalContext()
	defer stop()
	comp, err := buildPipeline(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer comp.Close()

	res, err := comp.Pipeline.Run(ctx, pipeline.Request{PlaylistURL: cfg.PlaylistURL, Days: days})
	if err != nil {
		return err
	}
	if c.Output == "-" {
		_, err = os.Stdout.Write(res.XML)
		return err
	}
	if err := os.WriteFile(c.Output, res.XML, 0o644); err != nil {
		return err
	}
	log.Printf("wrote %s: channels=%d mapped=%d programmes=%d", c.Output, res.Channels, res.Mapped, res.Programmes)
	return nil
}

type checkCmd struct {
	M3U string `long:"m3u" description:"playlist URL (overrides CWDEPG_PLAYLIST_URL)"`
	URL string `long:"url" description:"base URL of a running cwdepg to probe (e.g. http://localhost:8080)"`
}

func (c *checkCmd) Execute([]string) error {
	cfg := config.Load()
	src := cfg.PlaylistURL
	if c.M3U != "" {
		src = c.M3U
	}
	ctx, stop := signalContext()
	defer stop()

	rep, err := health.CheckPlaylist(ctx, httpclient.New(cfg.PlaylistTimeout, cfg.UserAgent), src)
	if err != nil {
		return fmt.Errorf("playlist: %w", err)
	}
	fmt.Println(rep.String())
	if c.URL != "" {
		if err := health.CheckEndpoints(ctx, c.URL); err != nil {
			return fmt.Errorf("endpoints: %w", err)
		}
		fmt.Printf("endpoints OK: %s\n", c.URL)
	}
	return nil
}

type harvestCmd struct {
	URL string `long:"url" description:"iptv-org channels.json URL"`
	Out string `long:"out" description:"output path (overrides CWDEPG_IPTVORG_DB)"`
}

func (c *harvestCmd) Execute([]string) error {
	cfg := config.Load()
	out := cfg.IPTVOrgDBPath
	if c.Out != "" {
		out = c.Out
	}
	src := iptvorg.DefaultChannelsURL
	if c.URL != "" {
		src = c.URL
	}
	ctx, stop := signalContext()
	defer stop()

	db := &iptvorg.DB{}
	n, err := db.Fetch(ctx, httpclient.New(2*time.Minute, cfg.UserAgent), src)
	if err != nil {
		return err
	}
	if err := db.Save(out); err != nil {
		return err
	}
	log.Printf("harvest-iptvorg: %d channels -> %s", n, out)
	return nil
}

type cachePruneCmd struct {
	DB string `long:"db" description:"sqlite path (overrides CWDEPG_CACHE_DB)"`
}

func (c *cachePruneCmd) Execute([]string) error {
	cfg := config.Load()
	path := cfg.CacheDBPath
	if c.DB != "" {
		path = c.DB
	}
	if path == "" {
		return errors.New("cache-prune: CWDEPG_CACHE_DB is not set")
	}
	store, err := lookupcache.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer store.Close()
	n, err := store.Prune(time.Now())
	if err != nil {
		return err
	}
	left, err := store.Count()
	if err != nil {
		return err
	}
	log.Printf("cache-prune: removed %d expired, %d remain", n, left)
	return nil
}

type matchReportCmd struct {
	M3U     string `long:"m3u" description:"playlist URL (overrides CWDEPG_PLAYLIST_URL)"`
	XMLTV   string `long:"xmltv" description:"XMLTV directory URL or file (overrides CWDEPG_DIRECTORY_XMLTV)"`
	Aliases string `long:"aliases" description:"JSON alias overrides (overrides CWDEPG_DIRECTORY_ALIASES)"`
	JSON    bool   `long:"json" description:"print the full report as JSON"`
	Limit   int    `long:"unmatched" default:"25" description:"unmatched rows to list"`
}

func (c *matchReportCmd) Execute([]string) error {
	cfg := config.Load()
	src, xmltvSrc, aliases := cfg.PlaylistURL, cfg.DirectoryXMLTVURL, cfg.DirectoryAliases
	if c.M3U != "" {
		src = c.M3U
	}
	if c.XMLTV != "" {
		xmltvSrc = c.XMLTV
	}
	if c.Aliases != "" {
		aliases = c.Aliases
	}
	if xmltvSrc == "" {
		return errors.New("match-report: --xmltv or CWDEPG_DIRECTORY_XMLTV is required")
	}
	ctx, stop := signalContext()
	defer stop()

	text, err := playlist.NewFetcher(httpclient.New(cfg.PlaylistTimeout, cfg.UserAgent), cfg.PlaylistMaxBytes).Fetch(ctx, src)
	if err != nil {
		return err
	}
	rules, err := branding.Load(cfg.BrandingRulesFile)
	if err != nil {
		return err
	}
	channels := channel.NewNormalizer(rules).Normalize(playlist.Parse(text))
	dir, err := epglink.LoadDirectory(ctx, httpclient.New(cfg.EPGTimeout, cfg.UserAgent), xmltvSrc, aliases)
	if err != nil {
		return err
	}
	rep := epglink.BuildReport(channels, dir)
	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	fmt.Println(rep.SummaryString())
	for i, row := range rep.UnmatchedRows() {
		if i >= c.Limit {
			break
		}
		fmt.Printf("  unmatched: %s (%s)\n", row.Name, row.TVGID)
	}
	return nil
}
