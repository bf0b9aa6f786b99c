// Package discovery walks a directory of canonical test files and builds the
// group tree used to map identities to the tests they cover.
package discovery

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bigthinkcode/rest-tester/internal/testcase"
)

// ErrRootNotFound is returned when the discovery root does not exist.
var ErrRootNotFound = errors.New("directory does not exist or invalid folder path")

// RootGroup is the path of the group holding files placed directly under the root.
const RootGroup = "/"

// Normalizer converts an external API description into a canonical test
// directory and returns its path. Paths that are already canonical are
// returned unchanged.
type Normalizer func(path string) (string, error)

// Group is a node of the group tree. Only discovered groups carry cases;
// intermediate directories without test files appear as empty nodes.
type Group struct {
	Path     string
	Name     string
	Cases    []testcase.TestCase
	Children []*Group

	discovered bool
}

// Discovered reports whether a test file was loaded for this group.
func (g *Group) Discovered() bool {
	return g.discovered
}

// Repository is the immutable result of a discovery pass.
type Repository struct {
	root   string
	tree   *Group
	order  []string
	groups map[string]*Group
}

// Discover walks root and loads every .json file beneath it. When normalize is
// non-nil it runs first, after the root has been checked for existence.
func Discover(root string, normalize Normalizer, logger *slog.Logger) (*Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRootNotFound, root)
	}
	logger.Info("reading test groups", "root", root)

	if normalize != nil {
		converted, err := normalize(root)
		if err != nil {
			return nil, err
		}
		root = converted
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRootNotFound, root)
	}

	loaded := make(map[string][]testcase.TestCase)
	if !info.IsDir() {
		if cases, ok := loadGroupFile(root, logger); ok {
			loaded[RootGroup] = cases
		}
		return build(root, loaded), nil
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}

		group, err := groupKey(root, filepath.Dir(path))
		if err != nil {
			return err
		}
		cases, ok := loadGroupFile(path, logger)
		if !ok {
			return nil
		}
		if _, dup := loaded[group]; dup {
			logger.Warn("multiple test files in one group, keeping the last", "group", group, "file", path)
		}
		loaded[group] = cases
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	logger.Info("test groups read", "root", root, "groups", len(loaded))
	return build(root, loaded), nil
}

// loadGroupFile parses one test file. Malformed files are logged and skipped.
func loadGroupFile(path string, logger *slog.Logger) ([]testcase.TestCase, bool) {
	cases, err := testcase.LoadFile(path)
	if err != nil {
		logger.Error("skipping test file", "file", path, "error", err)
		return nil, false
	}
	logger.Debug("read test file", "file", path, "cases", len(cases))
	return cases, true
}

// groupKey converts a directory beneath root into its slash-terminated group path.
func groupKey(root, dir string) (string, error) {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return "", fmt.Errorf("relative path of %s: %w", dir, err)
	}
	if rel == "." {
		return RootGroup, nil
	}
	return filepath.ToSlash(rel) + "/", nil
}

func build(root string, loaded map[string][]testcase.TestCase) *Repository {
	repo := &Repository{
		root:   root,
		tree:   &Group{Path: RootGroup},
		groups: make(map[string]*Group),
	}

	paths := make([]string, 0, len(loaded))
	for p := range loaded {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		node := repo.node(p)
		node.Cases = loaded[p]
		node.discovered = true
		repo.order = append(repo.order, p)
	}
	return repo
}

// node returns the tree node for path, creating it and its ancestors.
func (r *Repository) node(path string) *Group {
	if path == RootGroup {
		r.groups[RootGroup] = r.tree
		return r.tree
	}

	parent := r.tree
	for _, ancestor := range AncestorPaths(path) {
		if g, ok := r.groups[ancestor]; ok {
			parent = g
			continue
		}
		g := &Group{
			Path: ancestor,
			Name: lastSegment(ancestor),
		}
		parent.Children = append(parent.Children, g)
		r.groups[ancestor] = g
		parent = g
	}
	return parent
}

func lastSegment(path string) string {
	parts := strings.Split(strings.TrimRight(path, "/"), "/")
	return parts[len(parts)-1]
}

// Root returns the directory the repository was built from, after normalization.
func (r *Repository) Root() string {
	return r.root
}

// Tree returns the root node of the group tree.
func (r *Repository) Tree() *Group {
	return r.tree
}

// Groups returns every discovered group in lexical path order.
func (r *Repository) Groups() []*Group {
	out := make([]*Group, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, r.groups[p])
	}
	return out
}

// Group returns a discovered group by path.
func (r *Repository) Group(path string) (*Group, bool) {
	g, ok := r.groups[path]
	if !ok || !g.discovered {
		return nil, false
	}
	return g, true
}

// Select returns the discovered groups within scope of the assigned paths.
func (r *Repository) Select(assigned []string) []*Group {
	var out []*Group
	for _, g := range r.Groups() {
		if InScope(g.Path, assigned) {
			out = append(out, g)
		}
	}
	return out
}

// AncestorPaths returns every slash-delimited prefix of path in root-to-leaf
// order, each slash-terminated. The last element equals the normalized path.
func AncestorPaths(path string) []string {
	parts := strings.Split(strings.TrimRight(path, "/"), "/")
	out := make([]string, 0, len(parts))
	for i := range parts {
		out = append(out, strings.Join(parts[:i+1], "/")+"/")
	}
	return out
}

// InScope reports whether group lies at or beneath one of the assigned paths.
// Matching is by ancestor membership, so "10/" is never in scope of "1/".
func InScope(group string, assigned []string) bool {
	ancestors := AncestorPaths(group)
	for _, a := range assigned {
		for _, p := range ancestors {
			if p == a {
				return true
			}
		}
	}
	return false
}
