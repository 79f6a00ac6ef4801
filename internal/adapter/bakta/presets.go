package bakta

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/genomeops/amr-service/internal/domain"
)

//go:embed presets.yaml
var presetsYAML []byte

// canonicalKeys maps a case-insensitive key spelling to the wire key.
// BAKTA_CONFIG_* env vars arrive lower-cased and must still merge.
var canonicalKeys = map[string]string{
	"completegenome":       "completeGenome",
	"compliant":            "compliant",
	"dermtype":             "dermType",
	"genus":                "genus",
	"hasreplicons":         "hasReplicons",
	"keepcontigheaders":    "keepContigHeaders",
	"locus":                "locus",
	"locustag":             "locusTag",
	"mincontiglength":      "minContigLength",
	"plasmid":              "plasmid",
	"prodigaltrainingfile": "prodigalTrainingFile",
	"species":              "species",
	"strain":               "strain",
	"translationtable":     "translationTable",
}

// Presets resolves named configuration presets into validated configs.
// Precedence, lowest to highest: default preset, named preset,
// environment defaults, per-request overrides.
type Presets struct {
	byName map[string]map[string]any
}

// LoadPresets parses the embedded preset table.
func LoadPresets() (*Presets, error) {
	byName := map[string]map[string]any{}
	dec := yaml.NewDecoder(bytes.NewReader(presetsYAML))
	if err := dec.Decode(&byName); err != nil {
		return nil, fmt.Errorf("op=presets.load: %w", err)
	}
	if _, ok := byName["default"]; !ok {
		return nil, fmt.Errorf("op=presets.load: default preset missing")
	}
	return &Presets{byName: byName}, nil
}

// Names lists the available preset names, sorted.
func (p *Presets) Names() []string {
	names := make([]string, 0, len(p.byName))
	for n := range p.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve builds the effective config for a submission. Unknown keys in
// overrides are rejected; unknown keys in envDefaults are skipped with a
// debug log so a typo'd env var cannot fail every submission.
func (p *Presets) Resolve(name string, envDefaults, overrides map[string]any) (domain.BaktaConfig, error) {
	merged := map[string]any{}
	for k, v := range p.byName["default"] {
		merged[k] = v
	}
	if name != "" && name != "default" {
		preset, ok := p.byName[name]
		if !ok {
			return domain.BaktaConfig{}, fmt.Errorf("%w: unknown preset %q", domain.ErrInvalidInput, name)
		}
		for k, v := range preset {
			merged[k] = v
		}
	}
	for k, v := range envDefaults {
		canon, ok := canonicalKeys[strings.ToLower(k)]
		if !ok {
			slog.Debug("ignoring unknown bakta default", slog.String("key", k))
			continue
		}
		merged[canon] = v
	}
	for k, v := range overrides {
		canon, ok := canonicalKeys[strings.ToLower(k)]
		if !ok {
			return domain.BaktaConfig{}, fmt.Errorf("%w: unknown config key %q", domain.ErrInvalidInput, k)
		}
		merged[canon] = v
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return domain.BaktaConfig{}, fmt.Errorf("op=presets.resolve: %w", err)
	}
	var cfg domain.BaktaConfig
	jd := json.NewDecoder(bytes.NewReader(raw))
	jd.DisallowUnknownFields()
	if err := jd.Decode(&cfg); err != nil {
		return domain.BaktaConfig{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := cfg.Validate(); err != nil {
		return domain.BaktaConfig{}, err
	}
	return cfg, nil
}
