package epg

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/CWD273/cwdepg/internal/channel"
	"github.com/CWD273/cwdepg/internal/httpclient"
)

var feedNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<tv>
  <channel id="CTV.ca"><display-name>CTV</display-name></channel>
  <programme start="20240310100000 +0000" stop="20240310110000 +0000" channel="CTV.ca">
    <title lang="en">Already over</title>
  </programme>
  <programme start="20240310113000 +0000" stop="20240310123000 +0000" channel="CTV.ca">
    <title lang="fr">Le Téléjournal</title>
    <title lang="en">The National</title>
    <sub-title>Evening edition</sub-title>
    <desc lang="en">News &amp; weather</desc>
    <category lang="en">News</category>
    <category lang="en">News</category>
    <category lang="en">Current affairs</category>
    <episode-num system="onscreen">S1E2</episode-num>
    <episode-num system="xmltv_ns">0.1.</episode-num>
  </programme>
  <programme start="20240312100000 +0000" stop="20240312110000 +0000" channel="ctv.ca">
    <title>Day three</title>
  </programme>
  <programme start="20240310130000 +0000" stop="20240310140000 +0000" channel="Other.us">
    <title>Elsewhere</title>
  </programme>
</tv>`

func feedServer(t *testing.T, body []byte, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestFeed(url string) *XMLTVFeed {
	f := NewXMLTVFeed(url, nil, time.Hour)
	f.Now = func() time.Time { return feedNow }
	f.Policy = httpclient.RetryPolicy{}
	return f
}

func TestXMLTVFeed_windowAndFields(t *testing.T) {
	srv := feedServer(t, []byte(sampleFeed), nil)
	f := newTestFeed(srv.URL)
	f.PreferLangs = []string{"en"}

	got, err := f.FetchProgrammes(context.Background(), "ctv.CA", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	p := got[0]
	assert.Equal(t, "The National", p.Title)
	assert.Equal(t, "Evening edition", p.SubTitle)
	assert.Equal(t, "News & weather", p.Desc)
	assert.Equal(t, []string{"News", "Current affairs"}, p.Categories)
	assert.Equal(t, "0.1.", p.EpisodeNum)
	assert.Equal(t, "20240310113000 +0000", p.Start)

	got, err = f.FetchProgrammes(context.Background(), "CTV.ca", 3)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = f.FetchProgrammes(context.Background(), "missing", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestXMLTVFeed_firstTitleWithoutPreference(t *testing.T) {
	srv := feedServer(t, []byte(sampleFeed), nil)
	got, err := newTestFeed(srv.URL).FetchProgrammes(context.Background(), "CTV.ca", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Le Téléjournal", got[0].Title)
}

func TestXMLTVFeed_compressed(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, _ = zw.Write([]byte(sampleFeed))
	require.NoError(t, zw.Close())

	var xzBuf bytes.Buffer
	xw, err := xz.NewWriter(&xzBuf)
	require.NoError(t, err)
	_, _ = xw.Write([]byte(sampleFeed))
	require.NoError(t, xw.Close())

	for name, body := range map[string][]byte{"gzip": gz.Bytes(), "xz": xzBuf.Bytes()} {
		t.Run(name, func(t *testing.T) {
			srv := feedServer(t, body, nil)
			got, err := newTestFeed(srv.URL).FetchProgrammes(context.Background(), "Other.us", 1)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "Elsewhere", got[0].Title)
		})
	}
}

func TestXMLTVFeed_cachesUntilTTL(t *testing.T) {
	var hits int32
	srv := feedServer(t, []byte(sampleFeed), &hits)
	now := feedNow
	f := newTestFeed(srv.URL)
	f.Now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := f.FetchProgrammes(context.Background(), "CTV.ca", 1)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))

	now = now.Add(2 * time.Hour)
	_, err := f.FetchProgrammes(context.Background(), "CTV.ca", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestXMLTVFeed_staleCopyOnRefreshFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()
	now := feedNow
	f := newTestFeed(srv.URL)
	f.Now = func() time.Time { return now }

	_, err := f.FetchProgrammes(context.Background(), "Other.us", 1)
	require.NoError(t, err)
	fail.Store(true)
	now = now.Add(2 * time.Hour)
	f.Now = func() time.Time { return now }
	got, err := f.FetchProgrammes(context.Background(), "Other.us", 1)
	require.NoError(t, err)
	assert.Empty(t, got, "the only Other.us listing ended before the new now")

	f2 := newTestFeed(srv.URL)
	_, err = f2.FetchProgrammes(context.Background(), "Other.us", 1)
	assert.Error(t, err, "no previous copy to fall back on")
}

func TestXMLTVFeed_slowDownloadOutlivesCallTimeout(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	agg := NewAggregator(newTestFeed(srv.URL))
	agg.CallTimeout = 50 * time.Millisecond
	agg.Workers = 4
	chans := []channel.Resolved{
		{Channel: channel.Channel{InternalID: "a"}, EPGID: "CTV.ca"},
		{Channel: channel.Channel{InternalID: "b"}, EPGID: "Other.us"},
		{Channel: channel.Channel{InternalID: "c"}, EPGID: "CTV.ca"},
		{Channel: channel.Channel{InternalID: "d"}, EPGID: "missing"},
	}

	got, err := agg.Aggregate(context.Background(), chans, Window{Days: 1})
	require.NoError(t, err)
	assert.Empty(t, got, "first build times out while the feed is still downloading")

	require.Eventually(t, func() bool {
		got, err = agg.Aggregate(context.Background(), chans, Window{Days: 1})
		return err == nil && len(got) > 0
	}, 3*time.Second, 25*time.Millisecond)
	assert.Len(t, got, 3)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "waiters share one download")
}

func TestXMLTVFeed_waiterHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()
	defer close(release)

	f := newTestFeed(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := f.FetchProgrammes(ctx, "CTV.ca", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestXMLTVFeed_notXMLTV(t *testing.T) {
	srv := feedServer(t, []byte(`<rss><channel/></rss>`), nil)
	_, err := newTestFeed(srv.URL).FetchProgrammes(context.Background(), "x", 1)
	assert.Error(t, err)
}

func TestXtream(t *testing.T) {
	now := time.Unix(1710072000, 0) // 2024-03-10 12:00 UTC
	var streamCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/player_api.php" || q.Get("username") != "u" || q.Get("password") != "p&w" {
			http.Error(w, "auth", http.StatusUnauthorized)
			return
		}
		switch q.Get("action") {
		case "get_live_streams":
			atomic.AddInt32(&streamCalls, 1)
			fmt.Fprint(w, `[{"stream_id": 7, "epg_channel_id": "CTV.ca", "name": "CTV"},
				{"stream_id": "8", "epg_channel_id": "", "name": "no epg"}]`)
		case "get_simple_data_table":
			if q.Get("stream_id") != "7" {
				fmt.Fprint(w, `{"epg_listings": []}`)
				return
			}
			enc := base64.StdEncoding.EncodeToString
			fmt.Fprintf(w, `{"epg_listings": [
				{"title": %q, "description": %q, "start_timestamp": "1710068400", "stop_timestamp": "1710072000"},
				{"title": %q, "description": %q, "start_timestamp": "1710072000", "stop_timestamp": "1710075600"},
				{"title": %q, "description": "", "start_timestamp": "1710072000", "stop_timestamp": "1710075600"},
				{"title": "plain text", "description": "", "start_timestamp": 1710075600, "stop_timestamp": 1710079200},
				{"title": "", "description": "", "start_timestamp": "1710079200", "stop_timestamp": "1710082800"},
				{"title": "Far", "description": "", "start_timestamp": "1710500000", "stop_timestamp": "1710503600"}
			]}`, enc([]byte("Ended")), enc([]byte("x")), enc([]byte("Noon News")), enc([]byte("Headlines")), enc([]byte("Noon News")))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	x := NewXtream(srv.URL+"/", "u", "p&w", nil)
	x.Now = func() time.Time { return now }
	got, err := x.FetchProgrammes(context.Background(), "ctv.ca", 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Noon News", got[0].Title)
	assert.Equal(t, "Headlines", got[0].Desc)
	assert.Equal(t, "1710072000", got[0].Start)
	assert.Equal(t, "plain text", got[1].Title)

	got, err = x.FetchProgrammes(context.Background(), "unknown.us", 1)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.EqualValues(t, 1, atomic.LoadInt32(&streamCalls), "stream list is cached")
}

func TestJSONAPI_responseShapes(t *testing.T) {
	const item = `{"start": "2024-03-10T12:00:00Z", "stop": "2024-03-10T13:00:00Z", "title": "Show"}`
	cases := []struct {
		name string
		body string
		want int
		err  bool
	}{
		{"bare array", `[` + item + `]`, 1, false},
		{"programmes", `{"programmes": [` + item + `,` + item + `]}`, 2, false},
		{"programs", `{"programs": [` + item + `]}`, 1, false},
		{"empty object", `{}`, 0, false},
		{"garbage", `<html>`, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()
			got, err := NewJSONAPI(srv.URL, nil).FetchProgrammes(context.Background(), "CTV.ca", 1)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, got, tc.want)
			if tc.want > 0 {
				assert.Equal(t, "Show", got[0].Title)
			}
		})
	}
}

func TestJSONAPI_keyNotInErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	j := NewJSONAPI(base+"/listings?key=SECRET-KEY-77", &http.Client{Timeout: time.Second})
	j.Policy = httpclient.RetryPolicy{}
	_, err := j.FetchProgrammes(context.Background(), "CTV.ca", 1)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET-KEY-77")
}

func TestXtream_credentialsNotInErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	x := NewXtream(base, "panel-user", "SECRET-PASS-9", &http.Client{Timeout: time.Second})
	_, err := x.FetchProgrammes(context.Background(), "ctv.ca", 1)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET-PASS-9")
	assert.NotContains(t, err.Error(), "panel-user")
	assert.Contains(t, err.Error(), "get_live_streams")
}

func TestJSONAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("channel") != "CTV.ca" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "2", r.URL.Query().Get("days"))
		assert.Equal(t, "1", r.URL.Query().Get("key"))
		fmt.Fprint(w, `{"programs": [
			{"start": "2024-03-10T12:00:00Z", "stop": 1710075600, "title": "Show",
			 "subTitle": "Pilot", "desc": "d", "category": ["Drama"], "episodeNum": "0.0."}
		]}`)
	}))
	defer srv.Close()

	j := NewJSONAPI(srv.URL+"/listings?key=1", nil)
	got, err := j.FetchProgrammes(context.Background(), "CTV.ca", 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, RawProgramme{
		Start: "2024-03-10T12:00:00Z", Stop: "1710075600", Title: "Show",
		SubTitle: "Pilot", Desc: "d", Categories: []string{"Drama"}, EpisodeNum: "0.0.",
	}, got[0])

	got, err = j.FetchProgrammes(context.Background(), "other", 2)
	require.NoError(t, err)
	assert.Empty(t, got)
}
