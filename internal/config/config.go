package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultPlaylistURL is the playlist served when no override is given.
const DefaultPlaylistURL = "https://cwdiptvb.github.io/tv_channels.m3u"

// Day window bounds for guide requests.
const (
	DefaultDays = 3
	MinDays     = 1
	MaxDays     = 14
)

// Config holds playlist, matching, EPG and server settings.
// Load from env; call LoadEnvFile(".env") first to use a .env file.
type Config struct {
	// Playlist
	PlaylistURL           string
	AllowPlaylistOverride bool // honour ?m3u= on the HTTP entry point
	PlaylistTimeout       time.Duration
	PlaylistMaxBytes      int64
	UserAgent             string
	DefaultDays           int

	// Normalizer
	BrandingRulesFile string // optional YAML extending the built-in brand lists

	// Identity resolution
	Matchers          []string // ordered: identity, directory, iptvorg, gemini
	MatchThreshold    float64
	MatchTTL          time.Duration
	MatchNegativeTTL  time.Duration // 0 = never cache unaccepted matches
	MatchTimeout      time.Duration
	MatchWorkers      int
	MatchRatePerSec   float64 // 0 = unlimited
	DirectoryXMLTVURL string  // XMLTV channel directory for the directory matcher (URL or file path)
	DirectoryAliases  string  // JSON alias overrides for the directory matcher
	IPTVOrgDBPath     string
	GeminiAPIKey      string
	GeminiModel       string
	GeminiBaseURL     string

	// Lookup cache
	CacheDefaultTTL    time.Duration
	CacheSweepInterval time.Duration // 0 = lazy expiry only
	CacheDBPath        string        // sqlite file for persistent match cache; "" = memory only

	// Programme aggregation
	EPGProviders   []string // ordered: none, xmltv, xtream, json
	EPGTimeout     time.Duration
	EPGWorkers     int
	EPGRatePerSec  float64
	EPGMerge       string // concat | dedupe
	XMLTVFeedURL   string
	XMLTVFeedTTL   time.Duration
	XMLTVFeedLoad  time.Duration // whole-feed download deadline, independent of EPGTimeout
	XMLTVLangs     []string      // preferred programme text languages in the feed
	JSONEPGURL     string
	XtreamBaseURL  string
	XtreamUser     string
	XtreamPass     string
	DummyGuide     bool
	GeneratorName  string
	DocumentTTL    time.Duration // rendered XMLTV cache per (playlist, days); 0 = disabled
	ListenAddr     string
	RateLimitPerIP float64 // requests per second per client IP; 0 = disabled
	RateLimitBurst int
	// TrustProxyHeaders keys the rate limit on X-Forwarded-For / X-Real-IP.
	TrustProxyHeaders bool

	// Observability
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	TraceExporter string // none | stdout | otlp | otlp-http
}

// Load reads config from environment.
func Load() *Config {
	c := &Config{
		PlaylistURL:           getEnv("CWDEPG_PLAYLIST_URL", DefaultPlaylistURL),
		AllowPlaylistOverride: getEnvBool("CWDEPG_ALLOW_PLAYLIST_OVERRIDE", true),
		PlaylistTimeout:       getEnvDuration("CWDEPG_PLAYLIST_TIMEOUT", 30*time.Second),
		PlaylistMaxBytes:      int64(getEnvInt("CWDEPG_PLAYLIST_MAX_BYTES", 32<<20)),
		UserAgent:             getEnv("CWDEPG_USER_AGENT", "cwdepg/1.0"),
		DefaultDays:           getEnvInt("CWDEPG_DAYS", DefaultDays),

		BrandingRulesFile: os.Getenv("CWDEPG_BRANDING_RULES"),

		Matchers:          getEnvList("CWDEPG_MATCHERS", []string{"identity"}),
		MatchThreshold:    getEnvFloat("CWDEPG_MATCH_THRESHOLD", 0.5),
		MatchTTL:          getEnvDuration("CWDEPG_MATCH_TTL", 7*24*time.Hour),
		MatchNegativeTTL:  getEnvDuration("CWDEPG_MATCH_NEGATIVE_TTL", 7*24*time.Hour),
		MatchTimeout:      getEnvDuration("CWDEPG_MATCH_TIMEOUT", 10*time.Second),
		MatchWorkers:      getEnvInt("CWDEPG_MATCH_WORKERS", 8),
		MatchRatePerSec:   getEnvFloat("CWDEPG_MATCH_RATE", 0),
		DirectoryXMLTVURL: os.Getenv("CWDEPG_DIRECTORY_XMLTV"),
		DirectoryAliases:  os.Getenv("CWDEPG_DIRECTORY_ALIASES"),
		IPTVOrgDBPath:     getEnv("CWDEPG_IPTVORG_DB", "./iptvorg-channels.json"),
		GeminiAPIKey:      os.Getenv("CWDEPG_GEMINI_API_KEY"),
		GeminiModel:       getEnv("CWDEPG_GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiBaseURL:     getEnv("CWDEPG_GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),

		CacheDefaultTTL:    getEnvDuration("CWDEPG_CACHE_TTL", 24*time.Hour),
		CacheSweepInterval: getEnvDuration("CWDEPG_CACHE_SWEEP", 0),
		CacheDBPath:        os.Getenv("CWDEPG_CACHE_DB"),

		EPGProviders:   getEnvList("CWDEPG_EPG_PROVIDERS", []string{"none"}),
		EPGTimeout:     getEnvDuration("CWDEPG_EPG_TIMEOUT", 20*time.Second),
		EPGWorkers:     getEnvInt("CWDEPG_EPG_WORKERS", 8),
		EPGRatePerSec:  getEnvFloat("CWDEPG_EPG_RATE", 0),
		EPGMerge:       strings.ToLower(getEnv("CWDEPG_EPG_MERGE", "concat")),
		XMLTVFeedURL:   os.Getenv("CWDEPG_XMLTV_FEED_URL"),
		XMLTVFeedTTL:   getEnvDuration("CWDEPG_XMLTV_FEED_TTL", time.Hour),
		XMLTVFeedLoad:  getEnvDuration("CWDEPG_XMLTV_FEED_TIMEOUT", 5*time.Minute),
		XMLTVLangs:     getEnvList("CWDEPG_XMLTV_PREFER_LANGS", nil),
		JSONEPGURL:     os.Getenv("CWDEPG_JSON_EPG_URL"),
		XtreamBaseURL:  os.Getenv("CWDEPG_XTREAM_URL"),
		XtreamUser:     os.Getenv("CWDEPG_XTREAM_USER"),
		XtreamPass:     os.Getenv("CWDEPG_XTREAM_PASS"),
		DummyGuide:     getEnvBool("CWDEPG_DUMMY_GUIDE", false),
		GeneratorName:  getEnv("CWDEPG_GENERATOR_NAME", "cwdepg XMLTV Service"),
		DocumentTTL:    getEnvDuration("CWDEPG_DOCUMENT_TTL", 10*time.Minute),
		ListenAddr:     getEnv("CWDEPG_LISTEN", ":8080"),
		RateLimitPerIP: getEnvFloat("CWDEPG_RATE_LIMIT", 0),
		RateLimitBurst: getEnvInt("CWDEPG_RATE_BURST", 5),

		TrustProxyHeaders: getEnvBool("CWDEPG_TRUST_PROXY_HEADERS", false),

		LogFile:       os.Getenv("CWDEPG_LOG_FILE"),
		LogMaxSizeMB:  getEnvInt("CWDEPG_LOG_MAX_SIZE_MB", 50),
		LogMaxBackups: getEnvInt("CWDEPG_LOG_MAX_BACKUPS", 3),
		TraceExporter: strings.ToLower(getEnv("CWDEPG_TRACE_EXPORTER", "none")),
	}
	c.DefaultDays = ClampDays(c.DefaultDays)
	if c.MatchThreshold < 0 || c.MatchThreshold > 1 {
		c.MatchThreshold = 0.5
	}
	if c.MatchWorkers <= 0 {
		c.MatchWorkers = 8
	}
	if c.EPGWorkers <= 0 {
		c.EPGWorkers = 8
	}
	if c.MatchTimeout <= 0 {
		c.MatchTimeout = 10 * time.Second
	}
	if c.EPGTimeout <= 0 {
		c.EPGTimeout = 20 * time.Second
	}
	if c.PlaylistTimeout <= 0 {
		c.PlaylistTimeout = 30 * time.Second
	}
	if c.PlaylistMaxBytes <= 0 {
		c.PlaylistMaxBytes = 32 << 20
	}
	if c.MatchNegativeTTL < 0 {
		c.MatchNegativeTTL = 0
	}
	if c.EPGMerge != "dedupe" {
		c.EPGMerge = "concat"
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 5
	}
	return c
}

// ClampDays bounds n to [MinDays, MaxDays]; non-positive values fall back to DefaultDays.
func ClampDays(n int) int {
	if n <= 0 {
		return DefaultDays
	}
	if n > MaxDays {
		return MaxDays
	}
	return n
}

// ParseDays parses a ?days= value by its leading integer ("7abc" is 7): no
// digits gives def, anything else is clamped to [MinDays, MaxDays].
func ParseDays(raw string, def int) int {
	n, ok := leadingInt(strings.TrimSpace(raw))
	if !ok {
		return ClampDays(def)
	}
	if n < MinDays {
		return MinDays
	}
	return ClampDays(n)
}

// leadingInt reads an optional sign and the digits that follow it.
func leadingInt(s string) (int, bool) {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	j := i
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	if j == i {
		return 0, false
	}
	n, err := strconv.Atoi(s[:j])
	if err != nil {
		// Overflow; the sign decides which bound applies.
		if s[0] == '-' {
			return MinDays - 1, true
		}
		return MaxDays + 1, true
	}
	return n, true
}

// HasMatcher reports whether name is listed in Matchers.
func (c *Config) HasMatcher(name string) bool {
	for _, m := range c.Matchers {
		if m == name {
			return true
		}
	}
	return false
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return defaultVal
		}
		return n
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return defaultVal
		}
		return f
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvList splits a comma-separated value, lower-cases entries and drops empties.
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
