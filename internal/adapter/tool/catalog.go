package tool

import (
	"log/slog"

	"edith/internal/domain"
)

// Catalog maps capability categories to tool bundles. Membership is fixed
// at construction; the zero-tool general category is always present.
type Catalog struct {
	byCategory map[domain.Category][]domain.Tool
	logger     *slog.Logger
}

// NewCatalog builds a catalog from category bundles. Every tool is wrapped
// with schema validation; tools whose schemas do not compile are dropped
// with a warning rather than failing startup.
func NewCatalog(bundles map[domain.Category][]domain.Tool, logger *slog.Logger) *Catalog {
	byCategory := make(map[domain.Category][]domain.Tool, len(bundles)+1)
	for cat, tools := range bundles {
		wrapped := make([]domain.Tool, 0, len(tools))
		for _, t := range tools {
			vt, err := withSchemaValidation(t)
			if err != nil {
				logger.Warn("dropping tool with invalid schema", "tool", t.Name(), "error", err)
				continue
			}
			wrapped = append(wrapped, vt)
		}
		byCategory[cat] = wrapped
	}
	if _, ok := byCategory[domain.CategoryGeneral]; !ok {
		byCategory[domain.CategoryGeneral] = nil
	}
	return &Catalog{byCategory: byCategory, logger: logger}
}

// Categories implements domain.CapabilityRegistry. Order follows the
// stable global category list, restricted to registered categories.
func (c *Catalog) Categories() []domain.Category {
	cats := make([]domain.Category, 0, len(c.byCategory))
	for _, cat := range domain.Categories {
		if _, ok := c.byCategory[cat]; ok {
			cats = append(cats, cat)
		}
	}
	return cats
}

// ToolsFor implements domain.CapabilityRegistry.
func (c *Catalog) ToolsFor(cat domain.Category) ([]domain.Tool, error) {
	tools, ok := c.byCategory[cat]
	if !ok {
		return nil, domain.NewDomainError("Catalog.ToolsFor", domain.ErrUnknownCategory, string(cat))
	}
	return tools, nil
}

// Select implements domain.CapabilityRegistry: flatten the categories into
// a tool list deduplicated by name, preserving first-seen order. Unknown
// categories contribute nothing.
func (c *Catalog) Select(cats []domain.Category) []domain.Tool {
	var out []domain.Tool
	seen := make(map[string]bool)
	for _, cat := range cats {
		for _, t := range c.byCategory[cat] {
			if seen[t.Name()] {
				continue
			}
			seen[t.Name()] = true
			out = append(out, t)
		}
	}
	return out
}

var _ domain.CapabilityRegistry = (*Catalog)(nil)
