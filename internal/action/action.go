package action

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/terminal-bench/repairgym/pkg/pathutil"
)

// Kind identifies the type of an agent action.
type Kind string

const (
	KindEdit Kind = "edit"
	KindRead Kind = "read"
	KindRun  Kind = "run"
)

// Wire prefixes.
const (
	PrefixEdit = "EDIT:"
	PrefixRead = "READ:"
	PrefixRun  = "RUN:"
)

const (
	MaxContentLength = 100000
	MaxPathLength    = 256
	MaxCommandLength = 1000
)

// Action is one of Edit, Read or Run.
type Action interface {
	Kind() Kind
}

// Edit overwrites the file at Path with Content.
type Edit struct {
	Path    string
	Content string
}

// Read returns the contents of the file at Path.
type Read struct {
	Path string
}

// Run executes an allow-listed command line inside the sandbox.
type Run struct {
	Command string
}

func (Edit) Kind() Kind { return KindEdit }
func (Read) Kind() Kind { return KindRead }
func (Run) Kind() Kind  { return KindRun }

// Rejection describes why an action was refused.
type Rejection struct {
	Kind   Kind // empty when the prefix was not recognised
	Reason string
	Hint   string
}

func (r *Rejection) Error() string {
	if r.Hint == "" {
		return r.Reason
	}
	return fmt.Sprintf("%s (hint: %s)", r.Reason, r.Hint)
}

// AsRejection unwraps err into a Rejection if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// Parse splits a wire action into its typed form. Only the prefix is
// inspected; limits are enforced by Validate.
func Parse(wire string) (Action, error) {
	switch {
	case strings.HasPrefix(wire, PrefixEdit):
		body := strings.TrimPrefix(wire, PrefixEdit)
		path, content, _ := strings.Cut(body, "\n")
		return Edit{Path: path, Content: content}, nil
	case strings.HasPrefix(wire, PrefixRead):
		return Read{Path: strings.TrimPrefix(wire, PrefixRead)}, nil
	case strings.HasPrefix(wire, PrefixRun):
		return Run{Command: strings.TrimPrefix(wire, PrefixRun)}, nil
	default:
		return nil, &Rejection{
			Reason: "unknown action type",
			Hint:   "actions must start with EDIT:, READ: or RUN:",
		}
	}
}

// Validate applies the size, path and test-suite checks. The first failing
// check is reported.
func Validate(a Action) error {
	switch a := a.(type) {
	case Edit:
		if utf8.RuneCountInString(a.Content) > MaxContentLength {
			return reject(a, fmt.Sprintf("content exceeds %d characters", MaxContentLength), "split the change into smaller edits")
		}
		if err := checkPath(a, a.Path); err != nil {
			return err
		}
		if IsTestPath(a.Path) {
			return reject(a, "editing the test suite is not allowed", "fix the code under src/ instead")
		}
		if utf8.RuneCountInString(a.Path) > MaxPathLength {
			return reject(a, fmt.Sprintf("path exceeds %d characters", MaxPathLength), "")
		}
		return nil
	case Read:
		if err := checkPath(a, a.Path); err != nil {
			return err
		}
		if utf8.RuneCountInString(a.Path) > MaxPathLength {
			return reject(a, fmt.Sprintf("path exceeds %d characters", MaxPathLength), "")
		}
		return nil
	case Run:
		if utf8.RuneCountInString(a.Command) > MaxCommandLength {
			return reject(a, fmt.Sprintf("command exceeds %d characters", MaxCommandLength), "")
		}
		if strings.TrimSpace(a.Command) == "" {
			return reject(a, "empty command", "provide a command, e.g. RUN:cargo test")
		}
		return nil
	default:
		return &Rejection{Reason: "unknown action type"}
	}
}

// ParseAndValidate is Parse followed by Validate.
func ParseAndValidate(wire string) (Action, error) {
	a, err := Parse(wire)
	if err != nil {
		return nil, err
	}
	if err := Validate(a); err != nil {
		return a, err
	}
	return a, nil
}

// IsTestPath reports whether p lies in a tests/ directory. A "tests" prefix
// on a file name does not count.
func IsTestPath(p string) bool {
	return strings.HasPrefix(p, "tests/") || strings.Contains(p, "/tests/")
}

func checkPath(a Action, p string) error {
	switch err := pathutil.CheckRelative(p); {
	case err == nil:
		return nil
	case errors.Is(err, pathutil.ErrEmptyPath):
		return reject(a, "path is empty", "")
	default:
		return reject(a, "path escapes work directory", "use a path relative to the work directory")
	}
}

func reject(a Action, reason, hint string) *Rejection {
	return &Rejection{Kind: a.Kind(), Reason: reason, Hint: hint}
}
