package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/podstore/podstore/internal/platform"
	"github.com/podstore/podstore/internal/store"
)

const maxCatalogFileSize = 1 << 20

// Contact is the support record shown next to the offers.
type Contact struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email,omitempty"`
	URL   string `yaml:"url,omitempty"`
}

// Catalog is the static product description loaded at startup.
type Catalog struct {
	Products  []platform.Product `yaml:"products"`
	Contact   Contact            `yaml:"contact"`
	MaxOffers int                `yaml:"max_offers,omitempty"`
}

// LoadCatalog reads and validates a catalog YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat catalog: %w", err)
	}
	if info.Size() > maxCatalogFileSize {
		return nil, fmt.Errorf("catalog %s exceeds %d bytes", path, maxCatalogFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes catalog YAML. Unknown fields are rejected.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if c.MaxOffers == 0 {
		c.MaxOffers = store.MaxOfferableProducts
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate requires at least one product and unique, non-empty identifiers.
func (c *Catalog) Validate() error {
	if len(c.Products) == 0 {
		return errors.New("catalog lists no products")
	}
	seen := make(map[string]bool, len(c.Products))
	for i, p := range c.Products {
		id := strings.TrimSpace(p.Identifier)
		if id == "" {
			return fmt.Errorf("product %d: id is required", i+1)
		}
		if seen[id] {
			return fmt.Errorf("product %d: duplicate id %q", i+1, id)
		}
		seen[id] = true
	}
	if c.MaxOffers < 0 {
		return fmt.Errorf("max_offers must not be negative")
	}
	return nil
}

// Identifiers returns the product identifiers in file order.
func (c *Catalog) Identifiers() []string {
	ids := make([]string, 0, len(c.Products))
	for _, p := range c.Products {
		ids = append(ids, strings.TrimSpace(p.Identifier))
	}
	return ids
}

// Marshal renders the catalog as YAML.
func (c *Catalog) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
