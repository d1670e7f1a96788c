// Package epg gathers programme listings for resolved channels from one or more
// EPG providers.
package epg

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RawProgramme is a listing as a provider reports it. Start and Stop are in the
// provider's own notation and are interpreted by ParseInstant.
type RawProgramme struct {
	Start      string
	Stop       string
	Title      string
	SubTitle   string
	Desc       string
	Categories []string
	EpisodeNum string
}

// Programme is a listing bound to a channel's InternalID.
type Programme struct {
	ChannelID  string
	Start      time.Time
	Stop       time.Time
	Title      string
	SubTitle   string
	Desc       string
	Categories []string
	EpisodeNum string // xmltv_ns
}

// Provider supplies listings for one external EPG id. A provider that has
// nothing for the id returns an empty slice and a nil error.
type Provider interface {
	Name() string
	FetchProgrammes(ctx context.Context, externalID string, days int) ([]RawProgramme, error)
}

// Window is the span a guide covers, in days from now.
type Window struct {
	Days int
}

// None is the provider used when no EPG source is configured. It never has data.
type None struct{}

func (None) Name() string { return "none" }

func (None) FetchProgrammes(context.Context, string, int) ([]RawProgramme, error) {
	return nil, nil
}

var errEmptyInstant = errors.New("empty time")

// zone-less layouts are read as UTC
var instantLayouts = []struct {
	layout string
	zoned  bool
}{
	{time.RFC3339Nano, true},
	{"2006-01-02T15:04:05Z0700", true},
	{"20060102150405 -0700", true},
	{"20060102150405 MST", true},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02T15:04", false},
	{"2006-01-02 15:04:05", false},
	{"2006-01-02 15:04", false},
	{"2006-01-02", false},
	{"20060102150405", false},
	{"20060102", false},
}

// ParseInstant reads a provider timestamp: RFC 3339 / ISO-8601 with or without
// zone, "YYYY-MM-DD HH:MM:SS", XMLTV "YYYYMMDDHHMMSS ±ZZZZ" (zone optional), or
// epoch seconds / milliseconds. Forms without a zone are UTC.
func ParseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errEmptyInstant
	}
	if isDigits(s) && len(s) != 14 && len(s) != 8 {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse epoch %q: %w", s, err)
		}
		if len(s) >= 12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, l := range instantLayouts {
		var (
			t   time.Time
			err error
		)
		if l.zoned {
			t, err = time.Parse(l.layout, s)
		} else {
			t, err = time.ParseInLocation(l.layout, s, time.UTC)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// Bind converts raw listings for channelID, dropping any whose start or stop
// cannot be parsed. The second result counts the dropped listings.
func Bind(channelID string, raw []RawProgramme) ([]Programme, int) {
	out := make([]Programme, 0, len(raw))
	dropped := 0
	for _, r := range raw {
		start, err := ParseInstant(r.Start)
		if err != nil {
			dropped++
			continue
		}
		stop, err := ParseInstant(r.Stop)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, Programme{
			ChannelID:  channelID,
			Start:      start,
			Stop:       stop,
			Title:      r.Title,
			SubTitle:   r.SubTitle,
			Desc:       r.Desc,
			Categories: r.Categories,
			EpisodeNum: r.EpisodeNum,
		})
	}
	return out, dropped
}
