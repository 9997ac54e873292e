// Package config loads novapm's YAML process list and validates it
// with struct tags before any Container is started.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sitharaj88/novapm/pkg/types"
)

// File is the top-level shape of a novapm process file (novapm.yaml).
type File struct {
	Processes []types.ProcessDefinition `yaml:"processes" validate:"required,min=1,dive"`
}

var validate = validator.New()

// Load reads and validates a process file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates raw YAML bytes without touching the filesystem.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := validate.Struct(&f); err != nil {
		return nil, fmt.Errorf("config: %w", describeErrors(err))
	}
	if err := checkUniqueNames(f.Processes); err != nil {
		return nil, err
	}
	return &f, nil
}

func checkUniqueNames(defs []types.ProcessDefinition) error {
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if seen[d.Name] {
			return fmt.Errorf("config: duplicate process name %q", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

func describeErrors(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msg := "invalid configuration:"
	for _, fe := range verrs {
		msg += fmt.Sprintf(" %s failed %q;", fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("%s", msg)
}
