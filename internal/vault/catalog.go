package vault

import (
	"path"
	"regexp"

	"hushh/internal/domain"
)

var resourceNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,127}$`)

type rule struct {
	category string
	pattern  string
}

// Catalog maps resource names to the category whose scopes guard them.
type Catalog struct {
	defaultCategory string
	rules           []rule
}

// NewCatalog builds a catalog from category -> glob patterns. Categories are
// tried in domain.VaultCategories order, patterns in the order given.
func NewCatalog(defaultCategory string, patterns map[string][]string) Catalog {
	c := Catalog{defaultCategory: defaultCategory}
	if c.defaultCategory == "" {
		c.defaultCategory = "file"
	}
	for _, cat := range domain.VaultCategories {
		for _, p := range patterns[cat] {
			c.rules = append(c.rules, rule{category: cat, pattern: p})
		}
	}
	return c
}

func (c Catalog) Category(resourceName string) string {
	for _, r := range c.rules {
		if ok, _ := path.Match(r.pattern, resourceName); ok {
			return r.category
		}
	}
	return c.defaultCategory
}

// RequiredScope returns the scope needed for access ("read" or "write") to resourceName.
func (c Catalog) RequiredScope(access, resourceName string) domain.Scope {
	return domain.VaultScope(access, c.Category(resourceName))
}

// ValidResourceName reports whether name is acceptable as a vault key.
func ValidResourceName(name string) bool {
	return resourceNameRe.MatchString(name)
}
