// Package branding holds the brand lists used to infer a channel's country:
// names that only air in Canada and brands that run separate US and Canadian feeds.
package branding

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultDualRegionBrands air under the same name in the US and Canada.
var DefaultDualRegionBrands = []string{
	"cartoon network",
	"a&e",
	"a & e",
	"discovery channel",
	"history",
	"lifetime",
	"food network",
	"tlc",
	"hgtv",
}

// DefaultCanadianTokens mark a name as Canadian when present as a whole word.
var DefaultCanadianTokens = []string{
	"canada",
	"ctv",
	"citytv",
	"global",
	"cbc",
	"ici radio-canada",
	"teletoon",
	"yt v",
	"ytv",
	"treehouse",
}

// Rules is an immutable set of brand lists. Safe for concurrent use.
type Rules struct {
	dualRegion []string
	canadian   []*regexp.Regexp
}

// New builds rules from dual-region substrings and Canadian whole-word tokens.
func New(dualRegion, canadianTokens []string) *Rules {
	r := &Rules{}
	for _, b := range dualRegion {
		b = strings.ToLower(strings.TrimSpace(b))
		if b != "" {
			r.dualRegion = append(r.dualRegion, b)
		}
	}
	for _, tok := range canadianTokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		r.canadian = append(r.canadian, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(tok)+`\b`))
	}
	return r
}

// Default returns the built-in brand lists.
func Default() *Rules {
	return New(DefaultDualRegionBrands, DefaultCanadianTokens)
}

// IsExplicitCanadian reports whether name matches any Canadian token.
func (r *Rules) IsExplicitCanadian(name string) bool {
	for _, re := range r.canadian {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// IsDualRegion reports whether the lower-cased name contains any dual-region brand.
func (r *Rules) IsDualRegion(name string) bool {
	lower := strings.ToLower(name)
	for _, b := range r.dualRegion {
		if strings.Contains(lower, b) {
			return true
		}
	}
	return false
}

// File is the on-disk shape of a rules override.
type File struct {
	// Replace drops the built-in lists instead of extending them.
	Replace          bool     `yaml:"replace"`
	DualRegionBrands []string `yaml:"dual_region_brands"`
	CanadianTokens   []string `yaml:"canadian_tokens"`
}

// Load reads a YAML rules file. An empty path returns Default().
func Load(path string) (*Rules, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("branding rules: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("branding rules %s: %w", path, err)
	}
	dual, tokens := f.DualRegionBrands, f.CanadianTokens
	if !f.Replace {
		dual = append(append([]string{}, DefaultDualRegionBrands...), dual...)
		tokens = append(append([]string{}, DefaultCanadianTokens...), tokens...)
	}
	return New(dual, tokens), nil
}
