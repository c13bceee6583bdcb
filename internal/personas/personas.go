// Package personas holds the static catalog of simulated prospects.
package personas

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed personas.yaml
var catalogYAML []byte

type Persona struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Prompt      string `yaml:"prompt"`
}

// Summary is the externally visible part of a persona.
type Summary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Catalog struct {
	order []string
	byID  map[string]Persona
}

// Parse decodes a YAML list of personas. Duplicate or empty ids are rejected.
func Parse(raw []byte) (*Catalog, error) {
	var list []Persona
	if err := yaml.NewDecoder(bytes.NewReader(raw)).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode personas: %w", err)
	}
	c := &Catalog{byID: make(map[string]Persona, len(list))}
	for _, p := range list {
		if p.ID == "" {
			return nil, fmt.Errorf("persona %q: missing id", p.Name)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("persona %q: duplicate id", p.ID)
		}
		c.byID[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c, nil
}

func (c *Catalog) Prompt(id string) (string, bool) {
	p, ok := c.byID[id]
	if !ok {
		return "", false
	}
	return p.Prompt, true
}

func (c *Catalog) Has(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// List returns summaries in catalog order.
func (c *Catalog) List() []Summary {
	out := make([]Summary, 0, len(c.order))
	for _, id := range c.order {
		p := c.byID[id]
		out = append(out, Summary{ID: p.ID, Name: p.Name, Description: p.Description})
	}
	return out
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the embedded catalog, parsed once per process.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Parse(catalogYAML)
		if err != nil {
			panic(err)
		}
		defaultCatalog = c
	})
	return defaultCatalog
}
