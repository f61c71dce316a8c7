package navigation

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Module keys of the portal. Paths derive from these keys, so they must stay
// stable.
const (
	ModuleAcademic = "academic"
	ModuleFinance  = "finance"
	ModuleHR       = "hr"
	ModuleWelfare  = "welfare"
	ModuleLibrary  = "library"
	ModuleIndustry = "industry"
	ModuleSetup    = "setup"
)

type nodeFile struct {
	Key   string `yaml:"key"`
	Label string `yaml:"label"`
	Path  string `yaml:"path"`
}

type sectionFile struct {
	Key   string     `yaml:"key"`
	Label string     `yaml:"label"`
	Path  string     `yaml:"path"`
	Tabs  []nodeFile `yaml:"tabs"`
}

type moduleFile struct {
	Key      string        `yaml:"key"`
	Label    string        `yaml:"label"`
	Path     string        `yaml:"path"`
	Tabs     []nodeFile    `yaml:"tabs"`
	Sections []sectionFile `yaml:"sections"`
}

type catalogFile struct {
	Root    string       `yaml:"root"`
	Modules []moduleFile `yaml:"modules"`
}

// Default returns the embedded portal catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("navigation: embedded catalog: %v", err))
	}
	return c
}

// LoadFile reads a YAML catalog from disk. An empty path yields the embedded
// default.
func LoadFile(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("navigation: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var doc catalogFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	modules := make([]Module, 0, len(doc.Modules))
	for _, m := range doc.Modules {
		mod := Module{Node: nodeFile{Key: m.Key, Label: m.Label, Path: m.Path}.node(), Tabs: nodes(m.Tabs)}
		for _, s := range m.Sections {
			sec := nodeFile{Key: s.Key, Label: s.Label, Path: s.Path}
			mod.Sections = append(mod.Sections, Section{Node: sec.node(), Tabs: nodes(s.Tabs)})
		}
		modules = append(modules, mod)
	}
	return NewCatalog(doc.Root, modules)
}

func (n nodeFile) node() Node {
	return Node{Key: strings.TrimSpace(n.Key), Label: strings.TrimSpace(n.Label), Path: n.Path}
}

func nodes(in []nodeFile) []Node {
	if len(in) == 0 {
		return nil
	}
	out := make([]Node, len(in))
	for i, n := range in {
		out[i] = n.node()
	}
	return out
}
