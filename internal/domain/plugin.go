// Package domain holds the value types shared by the registry, engine and session store.
package domain

import "slices"

// Category classifies what a plugin does.
type Category string

const (
	CategoryRecon     Category = "recon"
	CategoryNetwork   Category = "network"
	CategoryWeb       Category = "web"
	CategoryExploit   Category = "exploit"
	CategoryWireless  Category = "wireless"
	CategoryStealth   Category = "stealth"
	CategorySocial    Category = "social"
	CategoryForensics Category = "forensics"
	CategoryCrypto    Category = "crypto"
	CategoryCloud     Category = "cloud"
)

// AllCategories lists every known category in menu order.
var AllCategories = []Category{
	CategoryRecon,
	CategoryNetwork,
	CategoryWeb,
	CategoryExploit,
	CategoryWireless,
	CategoryStealth,
	CategorySocial,
	CategoryForensics,
	CategoryCrypto,
	CategoryCloud,
}

// Valid reports whether c is one of the fixed categories.
func (c Category) Valid() bool {
	return slices.Contains(AllCategories, c)
}

// PluginDescriptor identifies a plugin. It is immutable once registered.
type PluginDescriptor struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Version     string   `json:"version" yaml:"version"`
	Category    Category `json:"category" yaml:"category"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Author      string   `json:"author,omitempty" yaml:"author,omitempty"`

	// Dependencies names external tools the plugin relies on. Informational only.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Cost is the admission cost against the engine capacity. Zero means
	// the category or engine default applies.
	Cost int64 `json:"cost,omitempty" yaml:"cost,omitempty"`
}

// Clone returns a deep copy so callers can't mutate registered metadata.
func (d PluginDescriptor) Clone() PluginDescriptor {
	d.Dependencies = slices.Clone(d.Dependencies)
	return d
}
