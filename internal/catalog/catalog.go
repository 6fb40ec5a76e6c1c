package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed menu.yaml
var defaultMenu []byte

var ErrUnknownProduct = errors.New("unknown product")

type Product struct {
	ID          string          `json:"id"`
	Category    string          `json:"category"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Description string          `json:"description,omitempty"`
	Allergens   []string        `json:"allergens,omitempty"`
}

type Category struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Products []Product `json:"products"`
}

// Catalog is immutable after construction and safe for concurrent reads.
type Catalog struct {
	categories []Category
	byID       map[string]Product
}

type fileProduct struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Price       string   `yaml:"price"`
	Description string   `yaml:"description"`
	Allergens   []string `yaml:"allergens"`
}

type fileCategory struct {
	ID       string        `yaml:"id"`
	Title    string        `yaml:"title"`
	Products []fileProduct `yaml:"products"`
}

type fileMenu struct {
	Categories []fileCategory `yaml:"categories"`
}

// Default returns the embedded house menu.
func Default() (*Catalog, error) { return Parse(defaultMenu) }

// Load reads a YAML menu from path, or the embedded menu when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Catalog, error) {
	var m fileMenu
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	var cats []Category
	for _, fc := range m.Categories {
		c := Category{ID: fc.ID, Title: fc.Title}
		for _, fp := range fc.Products {
			price, err := decimal.NewFromString(strings.TrimSpace(fp.Price))
			if err != nil {
				return nil, fmt.Errorf("catalog: product %q: invalid price %q", fp.ID, fp.Price)
			}
			c.Products = append(c.Products, Product{
				ID:          fp.ID,
				Category:    fc.ID,
				Name:        fp.Name,
				Price:       price,
				Description: fp.Description,
				Allergens:   fp.Allergens,
			})
		}
		cats = append(cats, c)
	}
	return New(cats)
}

// New validates categories and builds the lookup index.
func New(categories []Category) (*Catalog, error) {
	c := &Catalog{byID: map[string]Product{}}
	for _, cat := range categories {
		if cat.ID == "" {
			return nil, fmt.Errorf("catalog: category id required")
		}
		cp := Category{ID: cat.ID, Title: cat.Title}
		for _, p := range cat.Products {
			if p.ID == "" || p.Name == "" {
				return nil, fmt.Errorf("catalog: category %q: product id and name required", cat.ID)
			}
			if !p.Price.IsPositive() {
				return nil, fmt.Errorf("catalog: product %q: price must be positive", p.ID)
			}
			if _, dup := c.byID[p.ID]; dup {
				return nil, fmt.Errorf("catalog: duplicate product id %q", p.ID)
			}
			p.Category = cat.ID
			p.Allergens = append([]string(nil), p.Allergens...)
			c.byID[p.ID] = p
			cp.Products = append(cp.Products, p)
		}
		c.categories = append(c.categories, cp)
	}
	return c, nil
}

func (c *Catalog) Product(id string) (Product, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// Categories returns the menu in file order.
func (c *Catalog) Categories() []Category {
	out := make([]Category, len(c.categories))
	for i, cat := range c.categories {
		out[i] = Category{ID: cat.ID, Title: cat.Title, Products: append([]Product(nil), cat.Products...)}
	}
	return out
}
