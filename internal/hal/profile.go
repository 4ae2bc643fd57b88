package hal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema/hardware-profile-v1.json
var hardwareProfileSchemaJSON string

// Profile describes the bench wiring: which servo ID actuates which station
// and which sensor channel sits on which hub port.
type Profile struct {
	Name     string         `json:"name"`
	Stations []ServoMapping `json:"stations"`
	Channels []ChannelDef   `json:"channels"`
}

type ServoMapping struct {
	Station int   `json:"station"`
	ServoID uint8 `json:"servo_id"`
}

// ChannelDef is one sensor input. Channels without a conversion store the raw
// voltage unchanged.
type ChannelDef struct {
	Name       string            `json:"name"`
	Port       int               `json:"port"`
	Conversion *LinearConversion `json:"conversion,omitempty"`
}

// LinearConversion maps a sensor voltage to a physical unit:
// value = (voltage - offset) / sensitivity.
type LinearConversion struct {
	Offset      float64 `json:"offset"`
	Sensitivity float64 `json:"sensitivity"`
}

// ServoIDs returns the station -> servo ID mapping.
func (p *Profile) ServoIDs() map[int]uint8 {
	ids := make(map[int]uint8, len(p.Stations))
	for _, m := range p.Stations {
		ids[m.Station] = m.ServoID
	}
	return ids
}

type ProfileLoader struct {
	validator   *Validator
	searchPaths []string
}

func NewProfileLoader(searchPaths []string) (*ProfileLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &ProfileLoader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// Load reads a profile by name, trying .json, .yaml and .yml in each search
// path, and validates it against the embedded schema.
func (l *ProfileLoader) Load(profileName string) (*Profile, error) {
	var data []byte
	var foundPath string

	for _, searchPath := range l.searchPaths {
		for _, ext := range []string{".json", ".yaml", ".yml"} {
			fullPath := filepath.Join(searchPath, profileName+ext)
			b, err := os.ReadFile(fullPath)
			if err == nil {
				data = b
				foundPath = fullPath
				break
			}
		}
		if data != nil {
			break
		}
	}

	if data == nil {
		return nil, fmt.Errorf("profile not found: %s (searched in: %v)", profileName, l.searchPaths)
	}

	// YAML profiles are converted to JSON before schema validation
	if strings.HasSuffix(foundPath, ".yaml") || strings.HasSuffix(foundPath, ".yml") {
		var tree any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("invalid YAML in %s: %w", foundPath, err)
		}

		converted, err := json.Marshal(tree)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", foundPath, err)
		}
		data = converted
	}

	if err := l.validator.ValidateProfile(data); err != nil {
		return nil, fmt.Errorf("validation failed for %s: %w", foundPath, err)
	}

	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}

	return &profile, nil
}

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("hardware-profile-v1.json",
		strings.NewReader(hardwareProfileSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("hardware-profile-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

func (v *Validator) ValidateProfile(data []byte) error {
	var profile interface{}
	if err := json.Unmarshal(data, &profile); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(profile); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}
