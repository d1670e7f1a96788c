package logging

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupStderrOnly(t *testing.T) {
	var buf bytes.Buffer
	c := setup(&buf, Options{})
	defer c.Close()
	defer log.SetOutput(os.Stderr)
	log.Printf("resolver: hello")
	if !strings.HasPrefix(buf.String(), Prefix) || !strings.Contains(buf.String(), "resolver: hello") {
		t.Fatalf("log line = %q", buf.String())
	}
}

func TestSetupWithFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "cwdepg.log")
	c := setup(&buf, Options{File: path, MaxSizeMB: 1, MaxBackups: 1})
	defer log.SetOutput(os.Stderr)
	log.Printf("epg: to both sinks")
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "epg: to both sinks") || !strings.Contains(buf.String(), "epg: to both sinks") {
		t.Fatalf("file=%q stderr=%q", data, buf.String())
	}
}
