package pricing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tokenmeter/internal/core"
)

// catalogDocument is the on-disk shape of a price catalog.
// JSON catalogs decode through the same path since JSON is valid YAML.
type catalogDocument struct {
	Version yaml.Node      `yaml:"version"`
	Prices  []catalogEntry `yaml:"prices"`
}

type catalogEntry struct {
	Provider      string `yaml:"provider"`
	Model         string `yaml:"model"`
	Region        string `yaml:"region"`
	EffectiveFrom string `yaml:"effective_from"`
	// PriceVersion overrides the document version for this entry.
	PriceVersion string `yaml:"price_version"`

	PricePer1kInput  *float64 `yaml:"price_per_1k_input"`
	PricePer1kOutput *float64 `yaml:"price_per_1k_output"`

	// Older catalogs name the fields after prompt/completion tokens.
	PricePer1kPrompt     *float64 `yaml:"price_per_1k_prompt"`
	PricePer1kCompletion *float64 `yaml:"price_per_1k_completion"`
}

// timestampLayouts are accepted for effective_from. All of them carry an explicit zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04Z07:00",
}

// LoadFile reads and parses the catalog at path.
func LoadFile(path string) (*PriceBook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewLoadError(path, err)
	}
	return parse(path, data)
}

// Load parses a catalog from r. source names the catalog in errors.
func Load(r io.Reader, source string) (*PriceBook, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, core.NewLoadError(source, err)
	}
	return parse(source, data)
}

func parse(source string, data []byte) (*PriceBook, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, core.NewLoadError(source, errors.New("catalog is empty"))
	}

	var doc catalogDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, core.NewLoadError(source, fmt.Errorf("parse catalog: %w", err))
	}
	if doc.Prices == nil {
		return nil, core.NewLoadError(source, errors.New("missing required field: prices"))
	}

	// The raw scalar keeps values like 2024-06-01 verbatim instead of resolving them as dates.
	version := strings.TrimSpace(doc.Version.Value)
	if doc.Version.Kind != yaml.ScalarNode || doc.Version.Tag == "!!null" || version == "" {
		version = UnknownVersion
	}

	entries := make([]PriceEntry, 0, len(doc.Prices))
	for i, raw := range doc.Prices {
		entry, err := raw.toEntry(version)
		if err != nil {
			return nil, core.NewEntryLoadError(source, i, err)
		}
		entries = append(entries, entry)
	}

	book, err := NewPriceBook(version, entries)
	if err != nil {
		return nil, core.NewLoadError(source, err)
	}
	return book, nil
}

func (c catalogEntry) toEntry(version string) (PriceEntry, error) {
	if strings.TrimSpace(c.Provider) == "" {
		return PriceEntry{}, errors.New("missing required field: provider")
	}
	if strings.TrimSpace(c.Model) == "" {
		return PriceEntry{}, errors.New("missing required field: model")
	}
	if strings.TrimSpace(c.EffectiveFrom) == "" {
		return PriceEntry{}, errors.New("missing required field: effective_from")
	}

	effectiveFrom, err := parseTimestamp(c.EffectiveFrom)
	if err != nil {
		return PriceEntry{}, err
	}

	in := firstNonNil(c.PricePer1kInput, c.PricePer1kPrompt)
	if in == nil {
		return PriceEntry{}, errors.New("missing required field: price_per_1k_input")
	}
	out := firstNonNil(c.PricePer1kOutput, c.PricePer1kCompletion)
	if out == nil {
		return PriceEntry{}, errors.New("missing required field: price_per_1k_output")
	}
	if *in < 0 || *out < 0 {
		return PriceEntry{}, fmt.Errorf("prices must be non-negative (input=%v, output=%v)", *in, *out)
	}

	region := strings.TrimSpace(c.Region)
	if region == "" {
		region = DefaultRegion
	}
	if v := strings.TrimSpace(c.PriceVersion); v != "" {
		version = v
	}

	return PriceEntry{
		Provider:        c.Provider,
		Model:           c.Model,
		Region:          region,
		EffectiveFrom:   effectiveFrom,
		UnitPriceInput:  *in,
		UnitPriceOutput: *out,
		PriceVersion:    version,
	}, nil
}

// parseTimestamp parses an absolute instant. Timestamps without a zone are rejected
// since they do not identify a single UTC instant.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("effective_from %q is not an ISO-8601 timestamp with a zone", s)
}

func firstNonNil(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
