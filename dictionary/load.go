package dictionary

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML dictionary.
func Parse(data []byte) (Content, error) {
	var c Content
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Content{}, fmt.Errorf("parse dictionary: %w", err)
	}
	return c, nil
}

// LoadFile reads and validates a YAML dictionary file.
func LoadFile(path string) (*Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dictionary %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	d, err := New(c)
	if err != nil {
		return nil, fmt.Errorf("dictionary %s: %w", path, err)
	}
	return d, nil
}

// Reload replaces the content of d with the file at path.
func (d *Dictionary) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read dictionary %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return err
	}
	return d.Replace(c)
}
