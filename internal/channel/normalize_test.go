package channel

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CWD273/cwdepg/internal/branding"
)

func TestCanonicalName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"CTV Toronto (HD)", "CTV Toronto"},
		{"ESPN HD", "ESPN"},
		{"ESPN hd", "ESPN"},
		{"Sky Sports FHD", "Sky Sports"},
		{"Nat Geo UHD", "Nat Geo"},
		{"Nat Geo 4K", "Nat Geo"},
		{"CNN [Backup] (East)", "CNN"},
		{"  Food   Network  ", "Food Network"},
		{"HDTV Channel", "HDTV Channel"},
		{"Foo (bar)HD", "Foo"},
		{"(HD)", ""},
		{"", ""},
	}
	for _, tt := range tests {
		got := CanonicalName(tt.in)
		assert.Equal(t, tt.want, got, "CanonicalName(%q)", tt.in)
		assert.Equal(t, got, CanonicalName(got), "CanonicalName not idempotent for %q", tt.in)
	}
}

func TestCountry_precedence(t *testing.T) {
	n := NewNormalizer(nil)
	tests := []struct {
		name       string
		tvgCountry string
		canonical  string
		want       Country
	}{
		{"tvg-country wins over canadian token", "US", "CBC News", US},
		{"tvg-country case-insensitive", " ca ", "ESPN", CA},
		{"unrecognised tvg-country ignored", "UK", "CBC News", CA},
		{"canadian token", "", "CTV Toronto", CA},
		{"dual region defaults to US", "", "Discovery Channel", US},
		{"dual region canada", "", "Discovery Channel Canada", CA},
		{"dual region canada no word boundary", "", "HGTVCanada", CA},
		{"unknown", "", "ESPN", Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.Country(tt.tvgCountry, tt.canonical))
		})
	}
}

func TestInternalID(t *testing.T) {
	assert.Equal(t, "ctv.toronto.ca", InternalID("ctv toronto", CA, 0))
	assert.Equal(t, "a.e.us", InternalID("a&e", US, 3))
	assert.Equal(t, "espn", InternalID("espn", Unknown, 1))
	assert.Equal(t, "tele.quebec.ca", InternalID("télé-québec", CA, 2))
	assert.Equal(t, "chan-7", InternalID("", US, 7))
	assert.Equal(t, "chan-4", InternalID("!!!", Unknown, 4))
	assert.Equal(t, InternalID("food network", US, 0), InternalID("food network", US, 9), "id must not depend on index when slug is non-empty")
}

func TestNormalize_endToEndRecord(t *testing.T) {
	n := NewNormalizer(branding.Default())
	got := n.Normalize([]Raw{
		{RawName: "CTV Toronto (HD)", TVGCountry: "CA", StreamURL: "http://s/1"},
		{RawName: "", TVGName: "Discovery Channel", StreamURL: "http://s/2"},
		{RawName: "***", StreamURL: "http://s/3"},
	})
	require.Len(t, got, 3)

	want := []Channel{
		{
			Raw:           Raw{RawName: "CTV Toronto (HD)", TVGCountry: "CA", StreamURL: "http://s/1"},
			CanonicalName: "CTV Toronto",
			Brand:         "ctv toronto",
			Country:       CA,
			InternalID:    "ctv.toronto.ca",
		},
		{
			Raw:           Raw{TVGName: "Discovery Channel", StreamURL: "http://s/2"},
			CanonicalName: "Discovery Channel",
			Brand:         "discovery channel",
			Country:       US,
			InternalID:    "discovery.channel.us",
		},
		{
			Raw:           Raw{RawName: "***", StreamURL: "http://s/3"},
			CanonicalName: "***",
			Brand:         "***",
			Country:       Unknown,
			InternalID:    "chan-2",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Normalize mismatch (-want +got):\n%s", diff)
	}
}

func TestParseCountry(t *testing.T) {
	assert.Equal(t, US, ParseCountry("us"))
	assert.Equal(t, CA, ParseCountry(" CA"))
	assert.Equal(t, Unknown, ParseCountry("USA"))
	assert.Equal(t, Unknown, ParseCountry(""))
	assert.True(t, CA.Known())
	assert.False(t, Unknown.Known())
}
