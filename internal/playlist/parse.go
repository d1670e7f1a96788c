// Package playlist parses extended M3U playlists into channel records and
// fetches them from upstream.
package playlist

import (
	"bufio"
	"io"
	"regexp"
	"strings"

	"github.com/CWD273/cwdepg/internal/channel"
)

const (
	maxLineSize     = 1 << 20 // 1 MiB per line
	directivePrefix = "#EXTINF"
)

var attrRe = regexp.MustCompile(`([A-Za-z0-9_][\w-]*)="([^"]*)"`)

// Parse parses playlist text. It never fails: malformed directives yield records
// with empty names, and a directive not followed by a URL line is dropped.
func Parse(text string) []channel.Raw {
	return ParseReader(strings.NewReader(text))
}

// ParseReader is Parse over a stream. A read error (including a line longer than
// 1 MiB) ends the parse and the records gathered so far are returned.
func ParseReader(r io.Reader) []channel.Raw {
	sc := bufio.NewScanner(r)
	sc.Buffer(nil, maxLineSize)
	var (
		out     []channel.Raw
		pending string
	)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, directivePrefix) {
			pending = line
			continue
		}
		if strings.HasPrefix(line, "#") || pending == "" {
			continue
		}
		rec := parseDirective(pending)
		rec.StreamURL = line
		out = append(out, rec)
		pending = ""
	}
	return out
}

// parseDirective splits "#EXTINF:-1 k="v" ...,Name" into attributes and name.
func parseDirective(line string) channel.Raw {
	rec := channel.Raw{Attrs: map[string]string{}}
	colon := strings.Index(line, ":")
	if colon < 0 {
		return rec
	}
	rest := line[colon+1:]
	sep := nameSeparator(rest)
	if sep < 0 {
		return rec
	}
	rec.RawName = strings.TrimSpace(strings.ReplaceAll(rest[sep+1:], `\,`, ","))
	for _, m := range attrRe.FindAllStringSubmatch(rest[:sep], -1) {
		key, val := m[1], m[2]
		rec.Attrs[key] = val
		switch strings.ToLower(key) {
		case "tvg-id":
			rec.TVGID = val
		case "tvg-name":
			rec.TVGName = val
		case "tvg-country":
			rec.TVGCountry = val
		case "group-title":
			rec.GroupTitle = val
		}
	}
	return rec
}

// nameSeparator returns the index of the last comma that is outside a quoted
// attribute value and not escaped with a backslash, or -1.
func nameSeparator(s string) int {
	inQuote := false
	last := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if inQuote || (i > 0 && s[i-1] == '\\') {
				continue
			}
			last = i
		}
	}
	return last
}
