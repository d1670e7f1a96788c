package playlist

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/CWD273/cwdepg/internal/channel"
)

func TestParse_empty(t *testing.T) {
	if got := Parse(""); len(got) != 0 {
		t.Errorf("expected no records; got %d", len(got))
	}
	if got := Parse("#EXTM3U\n\n"); len(got) != 0 {
		t.Errorf("header only: expected no records; got %d", len(got))
	}
}

func TestParse_attributesAndName(t *testing.T) {
	m3u := `#EXTM3U x-tvg-url="http://guide/epg.xml"
#EXTINF:-1 tvg-id="CTVToronto.ca" tvg-name="CTV Toronto" tvg-country="CA" group-title="Canada" tvg-logo="http://logo/ctv.png",CTV Toronto (HD)
http://example.com/ctv
`
	got := Parse(m3u)
	want := []channel.Raw{{
		RawName:    "CTV Toronto (HD)",
		TVGID:      "CTVToronto.ca",
		TVGName:    "CTV Toronto",
		TVGCountry: "CA",
		GroupTitle: "Canada",
		StreamURL:  "http://example.com/ctv",
		Attrs: map[string]string{
			"tvg-id":      "CTVToronto.ca",
			"tvg-name":    "CTV Toronto",
			"tvg-country": "CA",
			"group-title": "Canada",
			"tvg-logo":    "http://logo/ctv.png",
		},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse mismatch (-want +got):\n%s", diff)
	}
}

// A directive immediately followed by another directive is dropped; the
// record count equals the number of directive+URL pairs.
func TestParse_directiveWithoutURLDropped(t *testing.T) {
	m3u := `#EXTM3U
#EXTINF:-1,Orphan
#EXTINF:-1,Channel A
http://example.com/a

#EXTINF:-1,Channel B
#EXTVLCOPT:http-user-agent=x
http://example.com/b
#EXTINF:-1,Trailing orphan
`
	got := Parse(m3u)
	if len(got) != 2 {
		t.Fatalf("expected 2 records; got %d: %+v", len(got), got)
	}
	if got[0].RawName != "Channel A" || got[0].StreamURL != "http://example.com/a" {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].RawName != "Channel B" || got[1].StreamURL != "http://example.com/b" {
		t.Errorf("got[1] = %+v", got[1])
	}
}

func TestParse_commaInsideQuotedAttribute(t *testing.T) {
	got := Parse("#EXTINF:-1 tvg-name=\"News, Weather\" group-title=\"A,B\",Local News\nhttp://x/1\n")
	if len(got) != 1 {
		t.Fatalf("got %d records", len(got))
	}
	if got[0].RawName != "Local News" {
		t.Errorf("RawName = %q", got[0].RawName)
	}
	if got[0].TVGName != "News, Weather" || got[0].GroupTitle != "A,B" {
		t.Errorf("attrs = %+v", got[0])
	}
}

func TestParse_lastUnescapedComma(t *testing.T) {
	got := Parse("#EXTINF:-1 tvg-id=\"x\",Sports, Live\nhttp://x/1\n#EXTINF:-1,Rock\\, Paper\nhttp://x/2\n")
	if len(got) != 2 {
		t.Fatalf("got %d records", len(got))
	}
	if got[0].RawName != "Live" {
		t.Errorf("RawName = %q, want text after last comma", got[0].RawName)
	}
	if got[1].RawName != "Rock, Paper" {
		t.Errorf("escaped comma: RawName = %q", got[1].RawName)
	}
}

func TestParse_malformedDirective(t *testing.T) {
	got := Parse("#EXTINF:-1 tvg-id=\"x\" no separator\nhttp://x/1\n#EXTINF\nhttp://x/2\n")
	if len(got) != 2 {
		t.Fatalf("malformed directives should still produce records; got %d", len(got))
	}
	for i, r := range got {
		if r.RawName != "" || r.TVGID != "" || len(r.Attrs) != 0 {
			t.Errorf("record %d should be empty apart from URL: %+v", i, r)
		}
	}
	if got[1].StreamURL != "http://x/2" {
		t.Errorf("StreamURL = %q", got[1].StreamURL)
	}
}

func TestParse_urlWithoutDirectiveIgnoredAndCRLF(t *testing.T) {
	m3u := "#EXTM3U\r\nhttp://stray/url\r\n#EXTINF:-1 TVG-ID=\"up\",Upper\r\nrtmp://x/live\r\n"
	got := Parse(m3u)
	if len(got) != 1 {
		t.Fatalf("got %d records", len(got))
	}
	if got[0].StreamURL != "rtmp://x/live" || got[0].RawName != "Upper" {
		t.Errorf("record = %+v", got[0])
	}
	if got[0].TVGID != "up" || got[0].Attrs["TVG-ID"] != "up" {
		t.Errorf("recognised keys should match case-insensitively and keep raw key: %+v", got[0])
	}
}

func TestParseReader_longLineTruncates(t *testing.T) {
	var b strings.Builder
	b.WriteString("#EXTINF:-1,First\nhttp://x/1\n#EXTINF:-1,")
	b.WriteString(strings.Repeat("x", maxLineSize+10))
	b.WriteString("\nhttp://x/2\n")
	got := ParseReader(strings.NewReader(b.String()))
	if len(got) != 1 || got[0].RawName != "First" {
		t.Errorf("expected records before the oversize line; got %+v", got)
	}
}
