// Package resolver computes the node_modules tree for a set of declared
// dependencies.
//
// The search is a conflict-directed backtracking walk over an explicit
// queue and decision stack. Dependencies are visited breadth first in name
// order. A dependency already visible from its requester that satisfies
// the constraint is reused; otherwise a version is chosen and placed at the
// project root when no other version is visible there, or nested under the
// requester when one is. Every choice is a decision with an undo trail; a
// conflict jumps back to the decision responsible for it.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/justbytecode/velocity/core"
	"github.com/justbytecode/velocity/observability"
	"github.com/justbytecode/velocity/registry"
	"github.com/justbytecode/velocity/version"
)

const (
	// DefaultMaxSteps bounds the number of candidate versions tried.
	DefaultMaxSteps = 100000

	// DefaultConcurrency bounds concurrent metadata fetches.
	DefaultConcurrency = 16
)

// Request describes what to resolve.
type Request struct {
	// Dependencies are the project's direct dependencies.
	Dependencies []core.PackageSpec

	// Pins maps package names to versions recorded in the previous
	// lockfile. A pinned version that still satisfies a constraint is
	// tried before newer ones.
	Pins map[string][]string

	// Local maps workspace package names to their versions. Dependencies
	// on them are linked, not resolved.
	Local map[string]string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMaxSteps sets the search step limit.
func WithMaxSteps(n int) Option {
	return func(r *Resolver) { r.maxSteps = n }
}

// WithConcurrency sets the number of concurrent metadata fetches.
func WithConcurrency(n int) Option {
	return func(r *Resolver) { r.concurrency = n }
}

// WithHoist enables or disables hoisting to the project root.
func WithHoist(hoist bool) Option {
	return func(r *Resolver) { r.hoist = hoist }
}

// WithPlatform sets the platform optional dependencies are filtered for.
func WithPlatform(p Platform) Option {
	return func(r *Resolver) { r.platform = p }
}

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(r *Resolver) { r.logger = observability.OrNull(l) }
}

// Resolver resolves dependency trees.
type Resolver struct {
	source      MetadataSource
	maxSteps    int
	concurrency int
	hoist       bool
	platform    Platform
	logger      observability.Logger
}

// New creates a resolver reading metadata from source.
func New(source MetadataSource, opts ...Option) *Resolver {
	r := &Resolver{
		source:      source,
		maxSteps:    DefaultMaxSteps,
		concurrency: DefaultConcurrency,
		hoist:       true,
		platform:    CurrentPlatform(),
		logger:      observability.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve computes the dependency graph for req. The result depends only
// on the metadata returned by the source, never on the order in which
// fetches complete.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Graph, error) {
	ctx, span := observability.StartResolveSpan(ctx, len(req.Dependencies))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &search{
		r:     r,
		req:   req,
		fetch: newFetchCache(r.source, r.concurrency),
		root: &Node{
			Dependencies: make(map[string]*Node),
			children:     make(map[string]*Node),
			edgeKinds:    make(map[string]core.DependencyKind),
		},
		memo:     make(map[string]*manifest),
		versions: make(map[string][]*version.Version),
	}

	g, err := s.run(ctx)
	observability.EndSpanWithError(span, err)
	if err != nil {
		return nil, err
	}
	r.logger.DebugContext(ctx, "Resolved {Count} packages in {Steps} steps", len(g.Nodes), g.Steps)
	return g, nil
}

type task struct {
	from *Node
	spec core.PackageSpec
}

type manifest struct {
	vm    *registry.VersionMetadata
	deps  []core.PackageSpec
	peers []core.PackageSpec
}

// decision is one introduced node and the alternatives left for it.
type decision struct {
	index      int
	task       task
	edge       string
	meta       *registry.PackageMetadata
	candidates []*version.Version
	next       int
	scope      *Node
	creator    *decision

	// Search state to restore before trying the next candidate.
	head     int
	queueLen int
	trailLen int

	// conflicts are earlier decisions implicated in conflicts that were
	// blamed on this one.
	conflicts map[*decision]bool
	edges     []string
}

type conflict struct {
	culprits []*decision
	edges    []string
}

type search struct {
	r     *Resolver
	req   Request
	fetch *fetchCache
	root  *Node

	queue []task
	head  int
	stack []*decision
	trail []func()

	warnings []string
	local    []LocalLink

	memo     map[string]*manifest
	versions map[string][]*version.Version
	steps    int
}

func (s *search) run(ctx context.Context) (*Graph, error) {
	roots := append([]core.PackageSpec(nil), s.req.Dependencies...)
	sort.SliceStable(roots, func(i, j int) bool { return roots[i].Name < roots[j].Name })
	for _, spec := range roots {
		s.enqueue(ctx, task{from: s.root, spec: spec})
	}

	for {
		for s.head < len(s.queue) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			t := s.queue[s.head]
			s.head++

			c, err := s.process(ctx, t)
			if err != nil {
				return nil, err
			}
			if c != nil {
				if err := s.backjump(ctx, c); err != nil {
					return nil, err
				}
			}
		}

		c, missing := s.checkPeers()
		if c == nil {
			s.warnings = append(s.warnings, missing...)
			break
		}
		if err := s.backjump(ctx, c); err != nil {
			return nil, err
		}
	}
	return s.graph(), nil
}

func (s *search) enqueue(ctx context.Context, t task) {
	s.queue = append(s.queue, t)
	if !s.isLocal(t.spec) {
		s.fetch.start(ctx, t.spec.Name)
	}
}

func (s *search) isLocal(spec core.PackageSpec) bool {
	if spec.IsLocal() {
		return true
	}
	_, ok := s.req.Local[spec.Name]
	return ok
}

// process resolves one dependency edge.
func (s *search) process(ctx context.Context, t task) (*conflict, error) {
	spec := t.spec
	edge := s.edge(t)

	if s.isLocal(spec) {
		s.addLocal(LocalLink{From: t.from.Path, Name: spec.Name, Constraint: spec.Constraint})
		return nil, nil
	}
	optional := spec.Kind == core.DependencyOptional

	meta, err := s.fetch.wait(ctx, spec.Name)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if optional {
			s.warn(fmt.Sprintf("skipping optional dependency %s: %v", edge, err))
			return nil, nil
		}
		if core.KindOf(err) == core.Unknown {
			err = &core.Error{Kind: core.NetworkFailure, Package: spec.Name, Err: err}
		}
		return nil, err
	}

	rng, err := rangeFor(spec, meta)
	if err != nil {
		if optional {
			s.warn(fmt.Sprintf("skipping optional dependency %s: %v", edge, err))
			return nil, nil
		}
		return nil, &core.Error{Kind: core.UnresolvableConstraint, Package: spec.Name, Edges: []string{edge}, Err: err}
	}

	visible := s.lookup(t.from, spec.Name)
	if visible != nil && rng.Satisfies(visible.ver) {
		s.link(t.from, spec, visible)
		observability.ResolverStepsTotal.WithLabelValues("reuse").Inc()
		return nil, nil
	}

	// A pair already on the requester's dependency path closes a cycle.
	if cyc := s.onPath(t.from, spec.Name, rng); cyc != nil {
		s.link(t.from, spec, cyc)
		observability.ResolverStepsTotal.WithLabelValues("cycle").Inc()
		return nil, nil
	}

	candidates := s.candidates(meta, spec, rng)
	if len(candidates) == 0 {
		if optional {
			s.warn(fmt.Sprintf("skipping optional dependency %s: no matching version", edge))
			return nil, nil
		}
		return &conflict{
			culprits: []*decision{t.from.decision},
			edges:    []string{edge + " (no matching version)"},
		}, nil
	}

	scope := s.root
	if visible != nil || !s.r.hoist {
		scope = t.from
	}
	if occupant := scope.children[spec.Name]; occupant != nil {
		return &conflict{
			culprits: []*decision{occupant.decision, t.from.decision},
			edges:    []string{edge, occupant.Key() + " at " + occupant.Path},
		}, nil
	}

	d := &decision{
		index:      len(s.stack),
		task:       t,
		edge:       edge,
		meta:       meta,
		candidates: candidates,
		scope:      scope,
		creator:    t.from.decision,
		head:       s.head,
		queueLen:   len(s.queue),
		trailLen:   len(s.trail),
		conflicts:  make(map[*decision]bool),
	}
	s.stack = append(s.stack, d)
	if _, err := s.tryNext(ctx, d); err != nil {
		return nil, err
	}
	return nil, nil
}

// tryNext places the next candidate of d. It reports false when d has no
// candidates left.
func (s *search) tryNext(ctx context.Context, d *decision) (bool, error) {
	if d.next >= len(d.candidates) {
		return false, nil
	}
	v := d.candidates[d.next]
	d.next++

	s.steps++
	if s.steps > s.r.maxSteps {
		return false, &core.Error{
			Kind:    core.UnresolvableConstraint,
			Package: d.task.spec.Name,
			Edges:   []string{d.edge},
			Err:     fmt.Errorf("search exceeded %d steps", s.r.maxSteps),
		}
	}
	observability.ResolverStepsTotal.WithLabelValues("decision").Inc()

	m := s.manifest(d.meta, v)
	node := newNode(d.meta.Name, v, m)
	node.decision = d
	s.place(d.scope, node)
	s.link(d.task.from, d.task.spec, node)

	for _, dep := range m.deps {
		s.enqueue(ctx, task{from: node, spec: dep})
	}
	return true, nil
}

// backjump undoes the search back to the most recent decision blamed for
// c and moves it to its next candidate. Exhausted decisions pass the blame
// on to the decisions in their conflict set and to their creator.
func (s *search) backjump(ctx context.Context, c *conflict) error {
	for {
		target := latest(c.culprits)
		if target == nil {
			return &core.Error{Kind: core.UnresolvableConstraint, Edges: uniqueSorted(c.edges)}
		}
		observability.ResolverStepsTotal.WithLabelValues("backjump").Inc()
		s.r.logger.Debug("Conflict {Edges}, retrying {Decision}", c.edges, target.edge)

		for _, d := range c.culprits {
			if d != nil && d != target {
				target.conflicts[d] = true
			}
		}
		target.edges = append(target.edges, c.edges...)

		s.unwind(target)
		ok, err := s.tryNext(ctx, target)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		s.stack = s.stack[:target.index]
		next := &conflict{edges: append(append([]string(nil), target.edges...), target.edge)}
		for d := range target.conflicts {
			next.culprits = append(next.culprits, d)
		}
		next.culprits = append(next.culprits, target.creator)
		c = next
	}
}

// unwind restores the search state recorded when target was made, keeping
// target on the stack with no node placed.
func (s *search) unwind(target *decision) {
	for len(s.trail) > target.trailLen {
		undo := s.trail[len(s.trail)-1]
		s.trail = s.trail[:len(s.trail)-1]
		undo()
	}
	s.queue = s.queue[:target.queueLen]
	s.head = target.head
	s.stack = s.stack[:target.index+1]
}

func latest(ds []*decision) *decision {
	var best *decision
	for _, d := range ds {
		if d != nil && (best == nil || d.index > best.index) {
			best = d
		}
	}
	return best
}

// onPath returns the nearest node named name that satisfies rng on the
// chain of requesters leading to from.
func (s *search) onPath(from *Node, name string, rng *version.Range) *Node {
	for n := from; n != nil && n != s.root && n.decision != nil; n = n.decision.task.from {
		if n.Name == name && rng.Satisfies(n.ver) {
			return n
		}
	}
	return nil
}

// lookup returns the node name resolves to from inside from.
func (s *search) lookup(from *Node, name string) *Node {
	for n := from; n != nil && n != s.root; n = n.Parent {
		if c := n.children[name]; c != nil {
			return c
		}
	}
	return s.root.children[name]
}

func (s *search) place(scope *Node, n *Node) {
	if scope != s.root {
		n.Parent = scope
	}
	n.Path = childPath(n.Parent, n.Name)
	scope.children[n.Name] = n
	s.trail = append(s.trail, func() { delete(scope.children, n.Name) })
}

func (s *search) link(from *Node, spec core.PackageSpec, to *Node) {
	prev, hadPrev := from.Dependencies[spec.Name]
	prevKind := from.edgeKinds[spec.Name]
	from.Dependencies[spec.Name] = to
	from.edgeKinds[spec.Name] = spec.Kind
	s.trail = append(s.trail, func() {
		if hadPrev {
			from.Dependencies[spec.Name] = prev
			from.edgeKinds[spec.Name] = prevKind
		} else {
			delete(from.Dependencies, spec.Name)
			delete(from.edgeKinds, spec.Name)
		}
	})
}

func (s *search) warn(msg string) {
	n := len(s.warnings)
	s.warnings = append(s.warnings, msg)
	s.trail = append(s.trail, func() { s.warnings = s.warnings[:n] })
}

func (s *search) addLocal(l LocalLink) {
	n := len(s.local)
	s.local = append(s.local, l)
	s.trail = append(s.trail, func() { s.local = s.local[:n] })
}

func (s *search) edge(t task) string {
	from := "project"
	if t.from != s.root {
		from = t.from.Key()
	}
	return from + " -> " + t.spec.Name + "@" + t.spec.Constraint
}

// manifest returns the memoized manifest of one version.
func (s *search) manifest(meta *registry.PackageMetadata, v *version.Version) *manifest {
	key := meta.Name + "@" + v.String()
	if m, ok := s.memo[key]; ok {
		return m
	}
	vm := meta.Version(v.String())
	m := &manifest{vm: vm, deps: vm.Specs(), peers: vm.PeerSpecs()}
	s.memo[key] = m
	return m
}

// candidates lists the versions to try for spec: the highest pinned version
// that still satisfies, then the rest newest first.
func (s *search) candidates(meta *registry.PackageMetadata, spec core.PackageSpec, rng *version.Range) []*version.Version {
	versions, ok := s.versions[meta.Name]
	if !ok {
		versions = meta.VersionList()
		s.versions[meta.Name] = versions
	}

	var pinned *version.Version
	for _, p := range s.req.Pins[spec.Name] {
		v, err := version.Parse(p)
		if err != nil || !rng.Satisfies(v) || meta.Version(p) == nil {
			continue
		}
		if pinned == nil || v.GreaterThan(pinned) {
			pinned = v
		}
	}
	preferred := ""
	if pinned != nil {
		preferred = pinned.String()
	}

	cands := rng.Candidates(versions, preferred)
	if spec.Kind != core.DependencyOptional {
		return cands
	}
	supported := cands[:0:0]
	for _, v := range cands {
		vm := meta.Version(v.String())
		if s.r.platform.Supports(vm.OS, vm.CPU) {
			supported = append(supported, v)
		}
	}
	return supported
}

// rangeFor parses a constraint. A dist-tag name selects the tagged version.
func rangeFor(spec core.PackageSpec, meta *registry.PackageMetadata) (*version.Range, error) {
	c := strings.TrimSpace(spec.Constraint)
	if tagged, ok := meta.DistTags[c]; ok && c != "" {
		return version.ParseRange(tagged)
	}
	return version.ParseRange(c)
}

// checkPeers validates every node's peer dependencies against what is
// visible from it. An incompatible peer is a conflict; a missing required
// peer is reported as a warning.
func (s *search) checkPeers() (*conflict, []string) {
	var missing []string
	for _, n := range s.nodes() {
		for _, p := range n.manifest.peers {
			if _, ok := s.req.Local[p.Name]; ok {
				continue
			}
			provider := s.lookup(n, p.Name)
			if provider == nil {
				if !n.manifest.vm.PeerOptional(p.Name) {
					missing = append(missing, fmt.Sprintf("%s requires peer %s@%s, which is not installed", n.Key(), p.Name, p.Constraint))
				}
				continue
			}
			rng, err := version.ParseRange(p.Constraint)
			if err != nil {
				missing = append(missing, fmt.Sprintf("%s declares unsupported peer range %s@%s", n.Key(), p.Name, p.Constraint))
				continue
			}
			if !rng.Satisfies(provider.ver) {
				return &conflict{
					culprits: []*decision{n.decision, provider.decision},
					edges:    []string{fmt.Sprintf("%s -> peer %s@%s (found %s)", n.Key(), p.Name, p.Constraint, provider.Key())},
				}, nil
			}
		}
	}
	return nil, missing
}

// nodes returns every placed node sorted by path.
func (s *search) nodes() []*Node {
	var out []*Node
	var walk func(scope *Node)
	walk = func(scope *Node) {
		for _, c := range scope.children {
			out = append(out, c)
			walk(c)
		}
	}
	walk(s.root)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (s *search) graph() *Graph {
	nodes := s.nodes()

	// Nodes reachable without crossing an optional edge are required.
	required := make(map[*Node]bool)
	queue := []*Node{s.root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for name, dep := range n.Dependencies {
			if n.edgeKinds[name] == core.DependencyOptional || required[dep] {
				continue
			}
			required[dep] = true
			queue = append(queue, dep)
		}
	}

	g := &Graph{
		Nodes:    nodes,
		Root:     make(map[string]*Node, len(s.root.Dependencies)),
		Local:    append([]LocalLink(nil), s.local...),
		Warnings: append([]string(nil), s.warnings...),
		Steps:    s.steps,
	}
	for name, n := range s.root.Dependencies {
		g.Root[name] = n
	}
	for _, n := range nodes {
		n.Optional = !required[n]
		n.Peers = make(map[string]*Node)
		for _, p := range n.manifest.peers {
			if provider := s.lookup(n, p.Name); provider != nil {
				n.Peers[p.Name] = provider
			}
		}
		if n.Deprecated != "" {
			g.Warnings = append(g.Warnings, fmt.Sprintf("%s is deprecated: %s", n.Key(), n.Deprecated))
		}
	}
	return g
}

func newNode(name string, v *version.Version, m *manifest) *Node {
	vm := m.vm
	return &Node{
		Name:         name,
		Version:      v.String(),
		Dependencies: make(map[string]*Node),
		Resolved:     vm.Dist.Tarball,
		Integrity:    vm.Dist.Integrity,
		Shasum:       vm.Dist.Shasum,
		HasScripts:   vm.HasScripts(),
		Bin:          vm.Bin.Normalize(name),
		Permissions:  vm.Permissions,
		OS:           vm.OS,
		CPU:          vm.CPU,
		Deprecated:   vm.Deprecated,
		UnpackedSize: vm.Dist.UnpackedSize,
		ver:          v,
		manifest:     m,
		children:     make(map[string]*Node),
		edgeKinds:    make(map[string]core.DependencyKind),
	}
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
