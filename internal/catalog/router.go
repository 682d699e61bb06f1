package catalog

import (
	"sort"
	"strings"
)

// Router maps a changed file path to the test suites relevant to it.
type Router struct {
	table map[string][]string
}

// NewRouter copies the prefix table into a Router.
func NewRouter(table map[string][]string) *Router {
	r := &Router{table: make(map[string][]string, len(table))}
	for prefix, suites := range table {
		r.table[prefix] = append([]string(nil), suites...)
	}
	return r
}

// Route returns the sorted, de-duplicated union of the suites of every prefix
// that is a literal prefix of changed. An empty result means the caller
// should run the full suite.
func (r *Router) Route(changed string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for prefix, suites := range r.table {
		if prefix == "" || !strings.HasPrefix(changed, prefix) {
			continue
		}
		for _, s := range suites {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Table returns a copy of the prefix table.
func (r *Router) Table() map[string][]string {
	out := make(map[string][]string, len(r.table))
	for prefix, suites := range r.table {
		out[prefix] = append([]string(nil), suites...)
	}
	return out
}
