package config

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// schema.json describes .shipgate/config.yaml: healing bounds, the gate
// command and its output format, named checks and session retention.
//
//go:embed schema.json
var schemaJSON []byte

var schemaLoader = gojsonschema.NewBytesLoader(schemaJSON)

// ValidateSettings checks merged settings, as returned by viper.AllSettings
// after file, environment and flag layers are applied, before they are
// decoded. Unknown keys under healing, gate, checks and retention are
// rejected so a typo never silently falls back to a default bound.
func ValidateSettings(settings map[string]any) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(settings))
	if err != nil {
		return fmt.Errorf("validate shipgate config: %w", err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	sort.Strings(problems)
	return fmt.Errorf("shipgate config schema validation failed: %s", strings.Join(problems, "; "))
}
