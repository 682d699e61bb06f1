package catalog

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New([]BugRecord{
		{ID: "R1", Category: "root", TestNames: []string{"test_root"}},
		{ID: "M1", Category: "mid", TestNames: []string{"test_mid_a", "test_mid_b"}, Dependencies: []string{"R1"}},
		{ID: "L1", Category: "mid", TestNames: []string{"test_leaf"}, Dependencies: []string{"M1"}, Correlated: []string{"R1"}},
	}, map[string][]string{"src/": {"all_tests"}})
	require.NoError(t, err)
	return c
}

func TestDefaultCatalog(t *testing.T) {
	c := Default()

	t.Run("should contain every builtin bug", func(t *testing.T) {
		assert.Equal(t, len(bugTestMapping), c.Total())
		for category, ids := range bugCategories {
			for _, id := range ids {
				b, ok := c.Bug(id)
				require.True(t, ok, id)
				assert.Equal(t, category, b.Category)
			}
		}
	})

	t.Run("should list bugs sorted by id", func(t *testing.T) {
		bugs := c.Bugs()
		for i := 1; i < len(bugs); i++ {
			assert.Less(t, bugs[i-1].ID, bugs[i].ID)
		}
	})

	t.Run("should have dependency chains ending at roots", func(t *testing.T) {
		for _, chain := range c.DependencyChains() {
			root, ok := c.Bug(chain[0])
			require.True(t, ok)
			assert.Empty(t, root.Dependencies, "chain %v should start at a root", chain)
		}
	})
}

func TestCatalogValidation(t *testing.T) {
	cases := []struct {
		name string
		bugs []BugRecord
	}{
		{"empty id", []BugRecord{{Category: "c", TestNames: []string{"t"}}}},
		{"duplicate id", []BugRecord{
			{ID: "A", Category: "c", TestNames: []string{"t"}},
			{ID: "A", Category: "c", TestNames: []string{"u"}},
		}},
		{"missing category", []BugRecord{{ID: "A", TestNames: []string{"t"}}}},
		{"no tests", []BugRecord{{ID: "A", Category: "c"}}},
		{"blank test name", []BugRecord{{ID: "A", Category: "c", TestNames: []string{" "}}}},
		{"unknown dependency", []BugRecord{{ID: "A", Category: "c", TestNames: []string{"t"}, Dependencies: []string{"B"}}}},
		{"self dependency", []BugRecord{{ID: "A", Category: "c", TestNames: []string{"t"}, Dependencies: []string{"A"}}}},
		{"unknown correlation", []BugRecord{{ID: "A", Category: "c", TestNames: []string{"t"}, Correlated: []string{"Z"}}}},
		{"cycle", []BugRecord{
			{ID: "A", Category: "c", TestNames: []string{"t"}, Dependencies: []string{"B"}},
			{ID: "B", Category: "c", TestNames: []string{"u"}, Dependencies: []string{"A"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.bugs, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidCatalog))
		})
	}
}

func TestFixedRules(t *testing.T) {
	c := testCatalog(t)

	t.Run("should match test names by substring", func(t *testing.T) {
		passed := NewPassSet([]string{"suite::test_root", "tests::test_mid_a"})
		assert.True(t, c.IsFixed("R1", passed))
		assert.False(t, c.IsFixed("M1", passed))
		assert.InDelta(t, 0.5, c.Progress("M1", passed), 1e-9)
	})

	t.Run("should not treat unknown bugs as fixed", func(t *testing.T) {
		assert.False(t, c.IsFixed("nope", NewPassSet([]string{"x"})))
		assert.False(t, c.DependenciesMet("nope", NewPassSet(nil)))
	})

	t.Run("should only check direct dependencies", func(t *testing.T) {
		// M1 fixed, R1 not: L1's direct dependency is met even though M1's is not.
		passed := NewPassSet([]string{"test_mid_a", "test_mid_b", "test_leaf"})
		assert.True(t, c.DependenciesMet("L1", passed))
		assert.False(t, c.DependenciesMet("M1", passed))
		assert.Equal(t, 1, c.FixedCount(passed))
	})

	t.Run("should complete categories regardless of dependencies", func(t *testing.T) {
		passed := NewPassSet([]string{"test_mid_a", "test_mid_b", "test_leaf"})
		assert.True(t, c.CategoryComplete("mid", passed))
		assert.False(t, c.CategoryComplete("root", passed))
		assert.False(t, c.CategoryComplete("missing", passed))
		assert.Equal(t, 1, c.CompleteCategories(passed))
	})

	t.Run("should report unblocked bugs", func(t *testing.T) {
		assert.Equal(t, []string{"R1"}, c.Unblocked(map[string]bool{}))
		assert.Equal(t, []string{"M1"}, c.Unblocked(map[string]bool{"R1": true}))
	})

	t.Run("should build chains from root to leaf", func(t *testing.T) {
		assert.Equal(t, [][]string{{"R1", "M1", "L1"}}, c.DependencyChains())
	})
}

func TestPassSet(t *testing.T) {
	p := NewPassSet([]string{"tests::test_alpha_beta"})
	assert.True(t, p.Contains("test_alpha"))
	assert.True(t, p.Contains("tests::test_alpha_beta"))
	assert.False(t, p.Contains("test_gamma"))
	assert.Equal(t, 1, p.Len())
	assert.False(t, NewPassSet(nil).Contains("x"))
}

func TestRouter(t *testing.T) {
	r := Default().Router()

	t.Run("should union every matching prefix", func(t *testing.T) {
		got := r.Route("src/services/storage.rs")
		assert.Equal(t, []string{"security_tests", "services_tests", "storage_tests"}, got)
	})

	t.Run("should de-duplicate suites", func(t *testing.T) {
		r := NewRouter(map[string][]string{
			"src/":     {"a", "b"},
			"src/x.rs": {"b", "c"},
		})
		assert.Equal(t, []string{"a", "b", "c"}, r.Route("src/x.rs"))
	})

	t.Run("should match exact paths", func(t *testing.T) {
		assert.Equal(t, []string{"setup_tests"}, r.Route("Cargo.toml"))
	})

	t.Run("should return empty for unmapped paths", func(t *testing.T) {
		got := r.Route("README.md")
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("should not share the table with callers", func(t *testing.T) {
		table := r.Table()
		table["README.md"] = []string{"bogus"}
		assert.Empty(t, r.Route("README.md"))
	})
}

func TestParseCatalog(t *testing.T) {
	t.Run("should load bugs and file tests", func(t *testing.T) {
		doc := `
bugs:
  - id: A1
    category: A
    tests: [test_a]
  - id: A2
    category: A
    tests: [test_b]
    dependencies: [A1]
file_tests:
  "src/a/": [a_tests]
`
		c, err := Parse(strings.NewReader(doc))
		require.NoError(t, err)
		assert.Equal(t, 2, c.Total())
		assert.Equal(t, map[string][]string{"A": {"A1", "A2"}}, c.Categories())
		assert.Equal(t, []string{"a_tests"}, c.Router().Route("src/a/mod.rs"))
	})

	t.Run("should reject unknown keys", func(t *testing.T) {
		_, err := Parse(strings.NewReader("bugz: []\n"))
		assert.ErrorIs(t, err, ErrInvalidCatalog)
	})

	t.Run("should reject an empty catalog", func(t *testing.T) {
		_, err := Parse(strings.NewReader("bugs: []\n"))
		assert.ErrorIs(t, err, ErrInvalidCatalog)
	})

	t.Run("should round trip the builtin catalog", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Default().Encode(&buf))
		c, err := Parse(&buf)
		require.NoError(t, err)
		assert.Equal(t, Default().Bugs(), c.Bugs())
		assert.Equal(t, Default().Router().Table(), c.Router().Table())
	})
}
