package rbac

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed permissions.yaml
var defaultPermissions []byte

// ErrInvalidTable indicates a permission file that cannot be loaded.
var ErrInvalidTable = errors.New("rbac: invalid permission table")

type actionSet map[Action]struct{}

// Table maps each role to the actions it may perform per resource domain.
// A Table is immutable once built.
type Table struct {
	grants map[Role]map[string]actionSet
}

type tableFile struct {
	Roles map[string]map[string][]string `yaml:"roles"`
}

// DefaultTable returns the embedded permission table.
func DefaultTable() *Table {
	table, err := ParseTable(defaultPermissions)
	if err != nil {
		panic(fmt.Sprintf("rbac: embedded permissions: %v", err))
	}
	return table
}

// LoadTableFile reads a YAML permission table from disk. An empty path yields
// the embedded default.
func LoadTableFile(path string) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rbac: read %s: %w", path, err)
	}
	return ParseTable(data)
}

// ParseTable decodes a YAML permission table. Roles absent from the document
// receive an empty entry so checks against them deny.
func ParseTable(data []byte) (*Table, error) {
	var doc tableFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	grants := make(map[Role]map[string]actionSet, len(allRoles))
	for rawRole, domains := range doc.Roles {
		role, ok := ParseRole(rawRole)
		if !ok {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidTable, rawRole)
		}
		entry := make(map[string]actionSet, len(domains))
		for rawDomain, actions := range domains {
			domain := normalizeDomain(rawDomain)
			if domain == "" {
				return nil, fmt.Errorf("%w: role %s has an empty domain", ErrInvalidTable, role)
			}
			set := entry[domain]
			if set == nil {
				set = make(actionSet, len(actions))
				entry[domain] = set
			}
			for _, rawAction := range actions {
				action, ok := ParseAction(rawAction)
				if !ok {
					return nil, fmt.Errorf("%w: role %s domain %s: unknown action %q", ErrInvalidTable, role, domain, rawAction)
				}
				set[action] = struct{}{}
			}
		}
		grants[role] = entry
	}
	for _, role := range allRoles {
		if _, ok := grants[role]; !ok {
			grants[role] = map[string]actionSet{}
		}
	}
	return &Table{grants: grants}, nil
}

// Allows reports whether role may perform action on domain. Unknown roles,
// domains and actions deny.
func (t *Table) Allows(role Role, domain string, action Action) bool {
	if role == RoleAdministrator {
		return true
	}
	if t == nil {
		return false
	}
	entry, ok := t.grants[role]
	if !ok {
		return false
	}
	if set, ok := entry[WildcardDomain]; ok {
		if _, ok := set[action]; ok {
			return true
		}
	}
	set, ok := entry[normalizeDomain(domain)]
	if !ok {
		return false
	}
	_, ok = set[action]
	return ok
}

// Grant is one domain row of a role entry.
type Grant struct {
	Domain  string
	Actions []Action
}

// Grants lists the domain rows declared for role, sorted by domain. The
// returned slice is a copy.
func (t *Table) Grants(role Role) []Grant {
	if t == nil {
		return nil
	}
	entry := t.grants[role]
	out := make([]Grant, 0, len(entry))
	for domain, set := range entry {
		actions := make([]Action, 0, len(set))
		for _, a := range allActions {
			if _, ok := set[a]; ok {
				actions = append(actions, a)
			}
		}
		out = append(out, Grant{Domain: domain, Actions: actions})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}
