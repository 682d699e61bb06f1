package catalog

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk form of a catalog.
type File struct {
	Bugs      []BugRecord         `yaml:"bugs"`
	FileTests map[string][]string `yaml:"file_tests"`
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes a YAML catalog. Unknown keys are rejected.
func Parse(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidCatalog, err)
	}
	if len(f.Bugs) == 0 {
		return nil, fmt.Errorf("%w: no bugs declared", ErrInvalidCatalog)
	}
	return New(f.Bugs, f.FileTests)
}

// Export returns the catalog in its on-disk form.
func (c *Catalog) Export() File {
	return File{Bugs: c.Bugs(), FileTests: c.router.Table()}
}

// Encode writes the catalog as YAML.
func (c *Catalog) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.Export()); err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	return enc.Close()
}
