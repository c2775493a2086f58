package resolver

import (
	"sort"
	"strings"

	"github.com/justbytecode/velocity/core"
	"github.com/justbytecode/velocity/version"
)

// Node is one placement of a package version in the node_modules tree.
type Node struct {
	Name    string
	Version string

	// Path is the install path relative to the project, e.g.
	// "node_modules/a/node_modules/c".
	Path string

	// Parent is the node whose node_modules directory holds this node, or
	// nil for the project's own node_modules.
	Parent *Node

	// Dependencies maps each dependency name to the node it resolved to.
	Dependencies map[string]*Node

	// Peers maps each satisfied peer dependency to the node providing it.
	Peers map[string]*Node

	Resolved     string
	Integrity    string
	Shasum       string
	Optional     bool
	HasScripts   bool
	Bin          map[string]string
	Permissions  []string
	OS           []string
	CPU          []string
	Deprecated   string
	UnpackedSize int64

	ver       *version.Version
	manifest  *manifest
	children  map[string]*Node
	edgeKinds map[string]core.DependencyKind
	decision  *decision
}

// Identity returns the node's name and version.
func (n *Node) Identity() core.PackageIdentity {
	return core.NewPackageIdentity(n.Name, n.Version)
}

// Key returns "name@version".
func (n *Node) Key() string {
	return n.Name + "@" + n.Version
}

// Depth returns the number of node_modules segments in the path.
func (n *Node) Depth() int {
	return strings.Count(n.Path, "node_modules/")
}

// LocalLink is a dependency on a workspace package, linked instead of
// resolved from a registry.
type LocalLink struct {
	// From is the requesting node's path, or "" for the project itself.
	From       string
	Name       string
	Constraint string
}

// Graph is a resolved dependency tree.
type Graph struct {
	// Nodes are sorted by path.
	Nodes []*Node

	// Root maps each direct dependency to its node.
	Root map[string]*Node

	Local    []LocalLink
	Warnings []string

	// Steps is the number of search steps taken.
	Steps int
}

// Find returns the node at path, or nil.
func (g *Graph) Find(path string) *Node {
	i := sort.Search(len(g.Nodes), func(i int) bool { return g.Nodes[i].Path >= path })
	if i < len(g.Nodes) && g.Nodes[i].Path == path {
		return g.Nodes[i]
	}
	return nil
}

// Packages returns the distinct resolved packages sorted by name and version.
func (g *Graph) Packages() []core.PackageIdentity {
	seen := make(map[string]bool)
	var out []core.PackageIdentity
	for _, n := range g.Nodes {
		if seen[n.Key()] {
			continue
		}
		seen[n.Key()] = true
		out = append(out, n.Identity())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// VisibleFrom returns the node that name resolves to from the perspective
// of a file inside n, following node_modules lookup. n may be nil for the
// project root.
func (g *Graph) VisibleFrom(n *Node, name string) *Node {
	for scope := n; scope != nil; scope = scope.Parent {
		if c := g.Find(scope.Path + "/node_modules/" + name); c != nil {
			return c
		}
	}
	return g.Find("node_modules/" + name)
}

// childPath returns the install path of name inside scope.
func childPath(scope *Node, name string) string {
	if scope == nil || scope.Path == "" {
		return "node_modules/" + name
	}
	return scope.Path + "/node_modules/" + name
}
