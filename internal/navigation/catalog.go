package navigation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidCatalog indicates a catalog declaration that breaks key or path rules.
var ErrInvalidCatalog = errors.New("navigation: invalid catalog")

// Node is an addressable entry of the navigation tree.
type Node struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Path  string `json:"path"`
}

// Section is the second level of the tree and owns a tab strip.
type Section struct {
	Node
	Tabs []Node `json:"tabs,omitempty"`
}

// Module is a top-level portal area. Tabs holds the strip shown when no
// section is selected.
type Module struct {
	Node
	Tabs     []Node    `json:"tabs,omitempty"`
	Sections []Section `json:"sections,omitempty"`
}

// Catalog is the immutable module → section → tab declaration.
type Catalog struct {
	root    string
	modules []Module
	index   map[string]int
}

// NewCatalog validates modules and derives missing paths from keys below
// root. The input slice is not retained.
func NewCatalog(root string, modules []Module) (*Catalog, error) {
	root = cleanPath(root)
	if root == "" {
		root = "/"
	}
	c := &Catalog{root: root, index: make(map[string]int, len(modules))}
	seenPaths := make(map[string]string)
	claim := func(path, owner string) error {
		if prev, ok := seenPaths[path]; ok {
			return fmt.Errorf("%w: path %s declared by %s and %s", ErrInvalidCatalog, path, prev, owner)
		}
		seenPaths[path] = owner
		return nil
	}

	for _, in := range modules {
		if err := checkKey(in.Key); err != nil {
			return nil, err
		}
		if _, dup := c.index[in.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate module %q", ErrInvalidCatalog, in.Key)
		}
		mod := Module{Node: derive(in.Node, root)}
		if err := claim(mod.Path, mod.Key); err != nil {
			return nil, err
		}
		tabs, err := deriveTabs(in.Tabs, mod.Path, mod.Key, claim)
		if err != nil {
			return nil, err
		}
		mod.Tabs = tabs

		sectionKeys := make(map[string]struct{}, len(in.Sections))
		for _, sec := range in.Sections {
			if err := checkKey(sec.Key); err != nil {
				return nil, err
			}
			if _, dup := sectionKeys[sec.Key]; dup {
				return nil, fmt.Errorf("%w: duplicate section %s/%s", ErrInvalidCatalog, mod.Key, sec.Key)
			}
			sectionKeys[sec.Key] = struct{}{}
			out := Section{Node: derive(sec.Node, mod.Path)}
			owner := mod.Key + "/" + out.Key
			if err := claim(out.Path, owner); err != nil {
				return nil, err
			}
			if out.Tabs, err = deriveTabs(sec.Tabs, out.Path, owner, claim); err != nil {
				return nil, err
			}
			mod.Sections = append(mod.Sections, out)
		}
		c.index[mod.Key] = len(c.modules)
		c.modules = append(c.modules, mod)
	}
	return c, nil
}

// Root returns the dashboard root path.
func (c *Catalog) Root() string {
	return c.root
}

// Modules returns a deep copy of every module in declaration order.
func (c *Catalog) Modules() []Module {
	out := make([]Module, len(c.modules))
	for i, m := range c.modules {
		out[i] = m.clone()
	}
	return out
}

// Module returns a copy of the module with key.
func (c *Catalog) Module(key string) (Module, bool) {
	i, ok := c.index[key]
	if !ok {
		return Module{}, false
	}
	return c.modules[i].clone(), true
}

// Tabs returns the tab strip for module and section. An empty section
// selects the module-level strip. Unknown coordinates yield nil.
func (c *Catalog) Tabs(module, section string) []Node {
	i, ok := c.index[module]
	if !ok {
		return nil
	}
	mod := c.modules[i]
	if section == "" {
		return cloneNodes(mod.Tabs)
	}
	for _, sec := range mod.Sections {
		if sec.Key == section {
			return cloneNodes(sec.Tabs)
		}
	}
	return nil
}

func (m Module) clone() Module {
	out := Module{Node: m.Node, Tabs: cloneNodes(m.Tabs)}
	if len(m.Sections) > 0 {
		out.Sections = make([]Section, len(m.Sections))
		for i, s := range m.Sections {
			out.Sections[i] = Section{Node: s.Node, Tabs: cloneNodes(s.Tabs)}
		}
	}
	return out
}

func cloneNodes(nodes []Node) []Node {
	if len(nodes) == 0 {
		return nil
	}
	out := make([]Node, len(nodes))
	copy(out, nodes)
	return out
}

func deriveTabs(tabs []Node, parent, owner string, claim func(path, owner string) error) ([]Node, error) {
	if len(tabs) == 0 {
		return nil, nil
	}
	keys := make(map[string]struct{}, len(tabs))
	out := make([]Node, 0, len(tabs))
	for _, tab := range tabs {
		if err := checkKey(tab.Key); err != nil {
			return nil, err
		}
		if _, dup := keys[tab.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate tab %s/%s", ErrInvalidCatalog, owner, tab.Key)
		}
		keys[tab.Key] = struct{}{}
		node := derive(tab, parent)
		if err := claim(node.Path, owner+"/"+node.Key); err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, nil
}

func derive(n Node, parent string) Node {
	out := n
	if out.Label == "" {
		out.Label = strings.ToUpper(n.Key[:1]) + n.Key[1:]
	}
	if p := cleanPath(n.Path); p != "" {
		out.Path = p
	} else {
		out.Path = strings.TrimSuffix(parent, "/") + "/" + n.Key
	}
	return out
}

func checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidCatalog)
	}
	if strings.ContainsAny(key, "/ ") {
		return fmt.Errorf("%w: key %q must be a single path segment", ErrInvalidCatalog, key)
	}
	return nil
}

func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}
