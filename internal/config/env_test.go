package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvFile_missing(t *testing.T) {
	err := LoadEnvFile(filepath.Join(t.TempDir(), "nonexistent"))
	if err != nil {
		t.Fatalf("missing file should return nil: %v", err)
	}
}

func TestLoadEnvFile_setsEnv(t *testing.T) {
	os.Clearenv()
	path := filepath.Join(t.TempDir(), ".env")
	body := "CWDEPG_LISTEN=:9000\n# comment\nexport CWDEPG_DAYS=5\nCWDEPG_MATCHERS=identity # inline\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	if err := LoadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	for k, want := range map[string]string{
		"CWDEPG_LISTEN":   ":9000",
		"CWDEPG_DAYS":     "5",
		"CWDEPG_MATCHERS": "identity",
	} {
		if got := os.Getenv(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestLoadEnvFile_unquote(t *testing.T) {
	os.Clearenv()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(`X="hello # world"`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := LoadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	if os.Getenv("X") != "hello # world" {
		t.Errorf("X = %q", os.Getenv("X"))
	}
}

func TestLoadEnvFile_processEnvWins(t *testing.T) {
	os.Clearenv()
	os.Setenv("CWDEPG_DAYS", "7")
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("CWDEPG_DAYS=2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := LoadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	if os.Getenv("CWDEPG_DAYS") != "7" {
		t.Errorf("CWDEPG_DAYS = %q, want process value 7", os.Getenv("CWDEPG_DAYS"))
	}
}
