package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidCatalog is returned when bug tables are inconsistent.
var ErrInvalidCatalog = errors.New("invalid bug catalog")

// BugRecord describes one cataloged defect.
type BugRecord struct {
	ID           string   `json:"id" yaml:"id"`
	Category     string   `json:"category" yaml:"category"`
	TestNames    []string `json:"test_names" yaml:"tests"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Correlated   []string `json:"correlated,omitempty" yaml:"correlated,omitempty"`
}

// Catalog holds the bug tables, the category table and the file router.
// A Catalog is never mutated after construction and may be shared freely.
type Catalog struct {
	bugs       map[string]BugRecord
	ids        []string
	categories map[string][]string
	catNames   []string
	router     *Router
}

// New validates the given bug records and builds a Catalog. Categories are
// derived from each record's Category field.
func New(bugs []BugRecord, fileTests map[string][]string) (*Catalog, error) {
	c := &Catalog{
		bugs:       make(map[string]BugRecord, len(bugs)),
		categories: make(map[string][]string),
	}

	for _, b := range bugs {
		if b.ID == "" {
			return nil, fmt.Errorf("%w: bug with empty id", ErrInvalidCatalog)
		}
		if _, dup := c.bugs[b.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate bug %s", ErrInvalidCatalog, b.ID)
		}
		if b.Category == "" {
			return nil, fmt.Errorf("%w: bug %s has no category", ErrInvalidCatalog, b.ID)
		}
		if len(b.TestNames) == 0 {
			return nil, fmt.Errorf("%w: bug %s has no tests", ErrInvalidCatalog, b.ID)
		}
		for _, name := range b.TestNames {
			if strings.TrimSpace(name) == "" {
				return nil, fmt.Errorf("%w: bug %s has an empty test name", ErrInvalidCatalog, b.ID)
			}
		}
		c.bugs[b.ID] = cloneRecord(b)
		c.ids = append(c.ids, b.ID)
		c.categories[b.Category] = append(c.categories[b.Category], b.ID)
	}

	for _, id := range c.ids {
		b := c.bugs[id]
		for _, dep := range b.Dependencies {
			if dep == id {
				return nil, fmt.Errorf("%w: bug %s depends on itself", ErrInvalidCatalog, id)
			}
			if _, ok := c.bugs[dep]; !ok {
				return nil, fmt.Errorf("%w: bug %s depends on unknown bug %s", ErrInvalidCatalog, id, dep)
			}
		}
		for _, rel := range b.Correlated {
			if _, ok := c.bugs[rel]; !ok {
				return nil, fmt.Errorf("%w: bug %s correlated with unknown bug %s", ErrInvalidCatalog, id, rel)
			}
		}
	}
	if cycle := c.findCycle(); cycle != nil {
		return nil, fmt.Errorf("%w: dependency cycle %s", ErrInvalidCatalog, strings.Join(cycle, " -> "))
	}

	sort.Strings(c.ids)
	for name, members := range c.categories {
		sort.Strings(members)
		c.catNames = append(c.catNames, name)
	}
	sort.Strings(c.catNames)

	c.router = NewRouter(fileTests)
	return c, nil
}

// Bugs returns every record sorted by id.
func (c *Catalog) Bugs() []BugRecord {
	out := make([]BugRecord, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, cloneRecord(c.bugs[id]))
	}
	return out
}

// Bug looks up a record by id.
func (c *Catalog) Bug(id string) (BugRecord, bool) {
	b, ok := c.bugs[id]
	if !ok {
		return BugRecord{}, false
	}
	return cloneRecord(b), true
}

// Total returns the number of cataloged bugs.
func (c *Catalog) Total() int {
	return len(c.ids)
}

// Categories returns a copy of the category table.
func (c *Catalog) Categories() map[string][]string {
	out := make(map[string][]string, len(c.categories))
	for name, members := range c.categories {
		out[name] = append([]string(nil), members...)
	}
	return out
}

// CategoryNames returns the category names in sorted order.
func (c *Catalog) CategoryNames() []string {
	return append([]string(nil), c.catNames...)
}

// Router returns the file-to-suite router bundled with the catalog.
func (c *Catalog) Router() *Router {
	return c.router
}

// IsFixed reports whether every test name of the bug is contained in some
// passing test name. Unknown bugs are never fixed.
func (c *Catalog) IsFixed(id string, passed PassSet) bool {
	b, ok := c.bugs[id]
	if !ok {
		return false
	}
	for _, name := range b.TestNames {
		if !passed.Contains(name) {
			return false
		}
	}
	return true
}

// Progress returns the fraction of the bug's test names found among the
// passing tests.
func (c *Catalog) Progress(id string, passed PassSet) float64 {
	b, ok := c.bugs[id]
	if !ok || len(b.TestNames) == 0 {
		return 0
	}
	found := 0
	for _, name := range b.TestNames {
		if passed.Contains(name) {
			found++
		}
	}
	return float64(found) / float64(len(b.TestNames))
}

// DependenciesMet reports whether every direct dependency of the bug is
// fixed. Dependencies of dependencies are not consulted.
func (c *Catalog) DependenciesMet(id string, passed PassSet) bool {
	b, ok := c.bugs[id]
	if !ok {
		return false
	}
	for _, dep := range b.Dependencies {
		if !c.IsFixed(dep, passed) {
			return false
		}
	}
	return true
}

// FixedCount counts bugs that are fixed and whose direct dependencies are
// fixed too.
func (c *Catalog) FixedCount(passed PassSet) int {
	n := 0
	for _, id := range c.ids {
		if c.IsFixed(id, passed) && c.DependenciesMet(id, passed) {
			n++
		}
	}
	return n
}

// CategoryComplete reports whether every bug in the category is fixed.
// Dependencies play no part here.
func (c *Catalog) CategoryComplete(name string, passed PassSet) bool {
	members, ok := c.categories[name]
	if !ok || len(members) == 0 {
		return false
	}
	for _, id := range members {
		if !c.IsFixed(id, passed) {
			return false
		}
	}
	return true
}

// CompleteCategories counts the complete categories.
func (c *Catalog) CompleteCategories(passed PassSet) int {
	n := 0
	for _, name := range c.catNames {
		if c.CategoryComplete(name, passed) {
			n++
		}
	}
	return n
}

// Unblocked returns the bugs not yet fixed whose direct dependencies are all
// in fixed, sorted by id.
func (c *Catalog) Unblocked(fixed map[string]bool) []string {
	var out []string
	for _, id := range c.ids {
		if fixed[id] {
			continue
		}
		met := true
		for _, dep := range c.bugs[id].Dependencies {
			if !fixed[dep] {
				met = false
				break
			}
		}
		if met {
			out = append(out, id)
		}
	}
	return out
}

// DependencyChains lists every path from a root bug (no dependencies) to a
// bug nothing else depends on, following declared dependencies. Bugs with
// no dependency edges at all are omitted.
func (c *Catalog) DependencyChains() [][]string {
	hasDependents := make(map[string]bool)
	for _, id := range c.ids {
		for _, dep := range c.bugs[id].Dependencies {
			hasDependents[dep] = true
		}
	}

	var chains [][]string
	var walk func(id string, suffix []string)
	walk = func(id string, suffix []string) {
		path := append([]string{id}, suffix...)
		deps := append([]string(nil), c.bugs[id].Dependencies...)
		sort.Strings(deps)
		if len(deps) == 0 {
			chains = append(chains, path)
			return
		}
		for _, dep := range deps {
			walk(dep, path)
		}
	}
	for _, id := range c.ids {
		if hasDependents[id] || len(c.bugs[id].Dependencies) == 0 {
			continue
		}
		walk(id, nil)
	}
	return chains
}

func (c *Catalog) findCycle() []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(c.bugs))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range c.bugs[id].Dependencies {
			switch state[dep] {
			case visiting:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						break
					}
				}
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	ids := append([]string(nil), c.ids...)
	sort.Strings(ids)
	for _, id := range ids {
		if state[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return nil
}

func cloneRecord(b BugRecord) BugRecord {
	b.TestNames = append([]string(nil), b.TestNames...)
	b.Dependencies = append([]string(nil), b.Dependencies...)
	b.Correlated = append([]string(nil), b.Correlated...)
	return b
}

// PassSet answers substring membership queries over passing test names.
type PassSet struct {
	names []string
	exact map[string]struct{}
}

// NewPassSet builds a PassSet from passing test names.
func NewPassSet(names []string) PassSet {
	exact := make(map[string]struct{}, len(names))
	for _, n := range names {
		exact[n] = struct{}{}
	}
	return PassSet{names: names, exact: exact}
}

// Contains reports whether sub is contained in at least one passing name.
func (p PassSet) Contains(sub string) bool {
	if _, ok := p.exact[sub]; ok {
		return true
	}
	for _, n := range p.names {
		if strings.Contains(n, sub) {
			return true
		}
	}
	return false
}

// Len returns the number of passing names.
func (p PassSet) Len() int {
	return len(p.names)
}
