// Package xmltv renders resolved channels and their programmes as an XMLTV
// document.
package xmltv

import (
	"bufio"
	"io"
	"strings"
	"time"

	"github.com/CWD273/cwdepg/internal/channel"
	"github.com/CWD273/cwdepg/internal/epg"
)

const (
	SourceInfoName       = "Custom EPG Aggregator"
	DefaultGeneratorName = "cwdepg XMLTV Service"

	timeLayout = "20060102150405 +0000"
	dummySlot  = 6 * time.Hour
)

// Options tunes Write. The zero value renders exactly the channels and
// programmes given.
type Options struct {
	GeneratorName string // "" = DefaultGeneratorName
	// DummyGuide adds 6-hour placeholder programmes, titled with the channel
	// name, for every channel that has none so clients do not hide it.
	DummyGuide bool
	Days       int              // window covered by placeholders; <= 0 means 1
	Now        func() time.Time // placeholder clock; nil = time.Now
}

// Serialize renders the document with default options.
func Serialize(chans []channel.Resolved, progs []epg.Programme) string {
	var b strings.Builder
	_ = Write(&b, chans, progs, Options{})
	return b.String()
}

// Write renders the document to w. Channels are de-duplicated by InternalID,
// first occurrence winning; programmes are written in the order given, as is.
func Write(w io.Writer, chans []channel.Resolved, progs []epg.Programme, opts Options) error {
	gen := opts.GeneratorName
	if gen == "" {
		gen = DefaultGeneratorName
	}
	bw := bufio.NewWriter(w)
	bw.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	bw.WriteString(`<tv source-info-name="` + escape(SourceInfoName) + `" generator-info-name="` + escape(gen) + `">` + "\n")

	unique := dedupe(chans)
	for _, ch := range unique {
		writeChannel(bw, ch)
	}
	for _, p := range progs {
		writeProgramme(bw, p)
	}
	if opts.DummyGuide {
		for _, p := range placeholders(unique, progs, opts) {
			writeProgramme(bw, p)
		}
	}
	bw.WriteString("</tv>\n")
	return bw.Flush()
}

func dedupe(chans []channel.Resolved) []channel.Resolved {
	seen := make(map[string]bool, len(chans))
	out := make([]channel.Resolved, 0, len(chans))
	for _, ch := range chans {
		if seen[ch.InternalID] {
			continue
		}
		seen[ch.InternalID] = true
		out = append(out, ch)
	}
	return out
}

// DisplayNames returns RawName, TVGName and CanonicalName without empties or repeats.
func DisplayNames(ch channel.Resolved) []string {
	var out []string
	for _, n := range []string{ch.RawName, ch.TVGName, ch.CanonicalName} {
		if n == "" {
			continue
		}
		dup := false
		for _, have := range out {
			if have == n {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, n)
		}
	}
	return out
}

func writeChannel(bw *bufio.Writer, ch channel.Resolved) {
	bw.WriteString(`  <channel id="` + escape(ch.InternalID) + `">` + "\n")
	for _, n := range DisplayNames(ch) {
		bw.WriteString("    <display-name>" + escape(n) + "</display-name>\n")
	}
	bw.WriteString("  </channel>\n")
}

func writeProgramme(bw *bufio.Writer, p epg.Programme) {
	bw.WriteString(`  <programme start="` + FormatTime(p.Start) + `" stop="` + FormatTime(p.Stop) +
		`" channel="` + escape(p.ChannelID) + `">` + "\n")
	bw.WriteString(`    <title lang="en">` + escape(p.Title) + "</title>\n")
	if p.SubTitle != "" {
		bw.WriteString(`    <sub-title lang="en">` + escape(p.SubTitle) + "</sub-title>\n")
	}
	if p.Desc != "" {
		bw.WriteString(`    <desc lang="en">` + escape(p.Desc) + "</desc>\n")
	}
	for _, c := range p.Categories {
		bw.WriteString(`    <category lang="en">` + escape(c) + "</category>\n")
	}
	if p.EpisodeNum != "" {
		bw.WriteString(`    <episode-num system="xmltv_ns">` + escape(p.EpisodeNum) + "</episode-num>\n")
	}
	bw.WriteString("  </programme>\n")
}

// FormatTime renders t in UTC as YYYYMMDDHHMMSS +0000.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// escape replaces &, ", < and > with entities, ampersand first so nothing is
// escaped twice. Everything else passes through untouched.
func escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

func placeholders(chans []channel.Resolved, progs []epg.Programme, opts Options) []epg.Programme {
	covered := make(map[string]bool, len(progs))
	for _, p := range progs {
		covered[p.ChannelID] = true
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	days := opts.Days
	if days <= 0 {
		days = 1
	}
	base := now().UTC().Truncate(dummySlot)
	slots := days * int(24*time.Hour/dummySlot)
	var out []epg.Programme
	for _, ch := range chans {
		if covered[ch.InternalID] {
			continue
		}
		title := ch.CanonicalName
		if title == "" {
			title = ch.RawName
		}
		for i := 0; i < slots; i++ {
			start := base.Add(time.Duration(i) * dummySlot)
			out = append(out, epg.Programme{
				ChannelID: ch.InternalID,
				Start:     start,
				Stop:      start.Add(dummySlot),
				Title:     title,
			})
		}
	}
	return out
}
