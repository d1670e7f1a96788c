package playlist

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/CWD273/cwdepg/internal/httpclient"
)

func fastFetcher(maxBytes int64) *Fetcher {
	f := NewFetcher(&http.Client{Timeout: 5 * time.Second}, maxBytes)
	f.Policy = httpclient.RetryPolicy{Retry5xx: true, Backoff5xx: time.Millisecond}
	return f
}

func TestFetch_ok(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/x-mpegurl")
		w.Write([]byte("#EXTM3U\n#EXTINF:-1,One\nhttp://x/1\n"))
	}))
	defer srv.Close()

	text, err := fastFetcher(0).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if got := Parse(text); len(got) != 1 || got[0].RawName != "One" {
		t.Errorf("Parse(Fetch) = %+v", got)
	}
}

func TestFetch_non200IsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := fastFetcher(0).Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.StatusCode != http.StatusNotFound || fe.URL != srv.URL {
		t.Errorf("FetchError = %+v", fe)
	}
}

func TestFetch_any2xxIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNonAuthoritativeInfo)
		w.Write([]byte("#EXTM3U\n#EXTINF:-1,One\nhttp://x/1\n"))
	}))
	defer srv.Close()

	text, err := fastFetcher(0).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("203: %v", err)
	}
	if got := Parse(text); len(got) != 1 {
		t.Errorf("Parse(Fetch) = %+v", got)
	}
}

func TestFetch_errorHidesCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL + "/get.php?username=u&password=SECRET-PW"
	srv.Close()
	_, err := fastFetcher(0).Fetch(context.Background(), url)
	if err == nil {
		t.Fatal("want error")
	}
	if strings.Contains(err.Error(), "SECRET-PW") {
		t.Errorf("error leaks credentials: %v", err)
	}
}

func TestFetch_transportErrorIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	if _, err := fastFetcher(0).Fetch(context.Background(), url); !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
}

func TestFetch_tooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()
	if _, err := fastFetcher(1024).Fetch(context.Background(), srv.URL); !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream for oversize body", err)
	}
}

func TestFetch_transcodesDeclaredCharset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=ISO-8859-1")
		w.Write([]byte("#EXTINF:-1,T\xe9l\xe9 Qu\xe9bec\nhttp://x/1\n"))
	}))
	defer srv.Close()

	text, err := fastFetcher(0).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	got := Parse(text)
	if len(got) != 1 || got[0].RawName != "Télé Québec" {
		t.Errorf("Parse = %+v", got)
	}
}

func TestFetch_emptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	text, err := fastFetcher(0).Fetch(context.Background(), srv.URL)
	if err != nil || text != "" {
		t.Errorf("Fetch empty = %q, %v", text, err)
	}
}
