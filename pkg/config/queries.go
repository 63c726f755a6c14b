package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TablesDefinition is the YAML file holding named SQL queries.
type TablesDefinition struct {
	Queries map[string]string `yaml:"queries"`
}

func LoadTablesDefinition(path string) (*TablesDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tables definition %s: %w", path, err)
	}
	var def TablesDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse tables definition %s: %w", path, err)
	}
	return &def, nil
}

// Query returns the named query or an error naming the file's known queries.
func (d *TablesDefinition) Query(name string) (string, error) {
	q, ok := d.Queries[name]
	if !ok || q == "" {
		known := make([]string, 0, len(d.Queries))
		for k := range d.Queries {
			known = append(known, k)
		}
		return "", fmt.Errorf("query %q not found in tables definition (have %v)", name, known)
	}
	return q, nil
}
