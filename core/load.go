package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadScenario reads a scenario file. Files ending in .yaml or .yml are
// parsed as YAML, everything else as JSON. The scenario is validated.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return Scenario{}, fmt.Errorf("reading scenario %s: %w", path, err)
	}
	return ParseScenario(data, path)
}

// ParseScenario decodes scenario bytes, choosing the format from path's
// extension, and validates the result.
func ParseScenario(data []byte, path string) (Scenario, error) {
	sc, err := DecodeScenario(data, path)
	if err != nil {
		return Scenario{}, err
	}
	if err := sc.Validate(); err != nil {
		return Scenario{}, err
	}
	return sc, nil
}

// DecodeScenario is ParseScenario without validation.
func DecodeScenario(data []byte, path string) (Scenario, error) {
	jsonData := data
	if isYAML(path) {
		converted, err := yamlToJSON(data)
		if err != nil {
			return Scenario{}, err
		}
		jsonData = converted
	}

	var sc Scenario
	if err := json.Unmarshal(jsonData, &sc); err != nil {
		return Scenario{}, fmt.Errorf("parsing scenario: %w", err)
	}
	return sc, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON converts YAML to JSON so both formats decode through the same
// json tags.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return json.Marshal(raw)
}
