package navigation

import "strings"

// Tab is a tab node decorated with its active flag for the current path.
type Tab struct {
	Node
	Active bool `json:"active"`
}

// State is the navigation chrome derived from a single request path.
type State struct {
	ActiveModule  string `json:"active_module"`
	ActiveSection string `json:"active_section"`
	Tabs          []Tab  `json:"tabs"`
}

// Resolver maps request paths onto catalog coordinates.
type Resolver struct {
	catalog *Catalog
}

// NewResolver builds a Resolver over catalog.
func NewResolver(catalog *Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Catalog exposes the underlying catalog.
func (r *Resolver) Catalog() *Catalog {
	return r.catalog
}

// Resolve returns the tab strip for module at path. The segment after the
// module segment selects the section; an unknown or missing section yields
// the module-level strip, which is usually empty. Callers render nothing for
// an empty result.
func (r *Resolver) Resolve(path, module string) []Tab {
	if r == nil || r.catalog == nil {
		return []Tab{}
	}
	section := sectionSegment(r.catalog.root, path, module)
	return markActive(path, r.catalog.Tabs(module, section))
}

// State derives the active module, section and tabs for path.
func (r *Resolver) State(path string) State {
	if r == nil || r.catalog == nil {
		return State{Tabs: []Tab{}}
	}
	segs, _ := relativeSegments(r.catalog.root, path)
	if len(segs) == 0 {
		return State{Tabs: []Tab{}}
	}
	mod, ok := r.catalog.Module(segs[0])
	if !ok {
		return State{Tabs: []Tab{}}
	}
	st := State{ActiveModule: mod.Key}
	if len(segs) > 1 {
		for _, sec := range mod.Sections {
			if sec.Key == segs[1] {
				st.ActiveSection = sec.Key
				break
			}
		}
	}
	st.Tabs = r.Resolve(path, mod.Key)
	return st
}

// Contains reports whether path lies at or below the catalog root.
func (r *Resolver) Contains(path string) bool {
	if r == nil || r.catalog == nil {
		return false
	}
	_, ok := relativeSegments(r.catalog.root, path)
	return ok
}

// SubMenu returns the sections of module. The boolean is false when the
// module is unknown or declares no sections.
func (r *Resolver) SubMenu(module string) ([]Section, bool) {
	if r == nil || r.catalog == nil {
		return nil, false
	}
	mod, ok := r.catalog.Module(module)
	if !ok || len(mod.Sections) == 0 {
		return nil, false
	}
	return mod.Sections, true
}

// IsActive reports whether current lies at or below target.
func IsActive(current, target string) bool {
	current = cleanPath(current)
	target = cleanPath(target)
	if current == "" || target == "" {
		return false
	}
	if target == "/" || current == target {
		return true
	}
	return strings.HasPrefix(current, target+"/")
}

func markActive(path string, nodes []Node) []Tab {
	tabs := make([]Tab, 0, len(nodes))
	for _, n := range nodes {
		tabs = append(tabs, Tab{Node: n, Active: IsActive(path, n.Path)})
	}
	return tabs
}

// sectionSegment returns the segment right after module, which must itself
// sit directly below the root.
func sectionSegment(root, path, module string) string {
	segs, ok := relativeSegments(root, path)
	if !ok || len(segs) < 2 || segs[0] != module {
		return ""
	}
	return segs[1]
}

// relativeSegments strips the dashboard root and returns the remaining
// non-empty path segments. ok is false when path lies outside the root.
func relativeSegments(root, path string) ([]string, bool) {
	segs := splitSegments(path)
	rootSegs := splitSegments(root)
	if len(rootSegs) > len(segs) {
		return nil, false
	}
	for i, seg := range rootSegs {
		if segs[i] != seg {
			return nil, false
		}
	}
	return segs[len(rootSegs):], true
}

func splitSegments(path string) []string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
