// Package tree is the authoritative in-memory mirror of the editor's
// DataModel: a GUID-identified node table, a parent/child graph, and a
// path index that tolerates same-name siblings without merging them.
package tree

import (
	"sort"
	"strings"

	"github.com/Ransomwave/azul/internal/codec"
	"github.com/Ransomwave/azul/internal/errs"
)

// RootGuid is the synthetic root's identity. It is never sent by the
// editor; it exists only so every service (path length 1) has a
// parent to attach under.
const RootGuid = "root"

// scriptClassNames enumerates the classNames treated as script nodes.
var scriptClassNames = map[string]bool{
	"Script":       true,
	"LocalScript":  true,
	"ModuleScript": true,
}

// IsScriptClass reports whether className identifies a script node.
func IsScriptClass(className string) bool {
	return scriptClassNames[className]
}

// Node is one instance in the mirrored tree. Children are keyed by
// guid; parent is a weak back-reference recorded as a guid, never a
// pointer, so the node table keyed by guid remains the sole owner.
type Node struct {
	Guid       string
	ClassName  string
	Name       string
	Path       []string
	ParentGuid string
	HasParent  bool
	Source     *string
	Properties []byte
	Attributes []byte
	Children   map[string]*Node
}

func newNode(guid, className, name string, path []string) *Node {
	return &Node{
		Guid:      guid,
		ClassName: className,
		Name:      name,
		Path:      append([]string(nil), path...),
		Children:  make(map[string]*Node),
	}
}

// IsScript reports whether this node is a script node.
func (n *Node) IsScript() bool { return IsScriptClass(n.ClassName) }

func pathKey(path []string) string {
	return strings.Join(path, "\x00")
}

// Tree is the single authoritative mirror. It is not safe for
// concurrent use; the coordinator serializes all access on its single
// event loop.
type Tree struct {
	nodes     map[string]*Node
	pathIndex map[string]map[string]*Node // pathKey -> guid -> node
	hasRoot   bool
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{
		nodes:     make(map[string]*Node),
		pathIndex: make(map[string]map[string]*Node),
	}
}

func (t *Tree) ensureRoot() *Node {
	if root, ok := t.nodes[RootGuid]; ok {
		return root
	}
	root := newNode(RootGuid, "DataModel", "", nil)
	t.nodes[RootGuid] = root
	t.hasRoot = true
	return root
}

func (t *Tree) registerPath(n *Node) {
	key := pathKey(n.Path)
	bucket, ok := t.pathIndex[key]
	if !ok {
		bucket = make(map[string]*Node)
		t.pathIndex[key] = bucket
	}
	bucket[n.Guid] = n
}

func (t *Tree) unregisterPath(n *Node) {
	key := pathKey(n.Path)
	bucket, ok := t.pathIndex[key]
	if !ok {
		return
	}
	delete(bucket, n.Guid)
	if len(bucket) == 0 {
		delete(t.pathIndex, key)
	}
}

// lookupByPath returns the unique node at path, or nil if there is no
// match or more than one candidate (ambiguous same-name siblings).
// This is a deliberate refusal to guess per the design: callers must
// disambiguate by guid or accept failure.
func (t *Tree) lookupByPath(path []string) *Node {
	bucket, ok := t.pathIndex[pathKey(path)]
	if !ok || len(bucket) != 1 {
		return nil
	}
	for _, n := range bucket {
		return n
	}
	return nil
}

// Reset clears all state. Used before ApplyFullSnapshot.
func (t *Tree) Reset() {
	t.nodes = make(map[string]*Node)
	t.pathIndex = make(map[string]map[string]*Node)
	t.hasRoot = false
}

// ApplyFullSnapshot replaces the entire tree with the given instance
// set in two passes: first every node is materialized, then children
// are linked under explicit ParentGuid when present, falling back to
// matching path[:-1] through the path index.
func (t *Tree) ApplyFullSnapshot(instances []codec.InstanceData) []error {
	t.Reset()
	t.ensureRoot()

	for _, inst := range instances {
		n := newNode(inst.Guid, inst.ClassName, inst.Name, inst.Path)
		if inst.Source != nil {
			n.Source = inst.Source
		}
		if inst.Properties != nil {
			n.Properties = append([]byte(nil), inst.Properties...)
		}
		if inst.Attributes != nil {
			n.Attributes = append([]byte(nil), inst.Attributes...)
		}
		t.nodes[n.Guid] = n
		t.registerPath(n)
	}

	var issues []error
	for _, inst := range instances {
		n := t.nodes[inst.Guid]
		parent := t.resolveParent(n, inst.ParentGuid)
		if parent == nil {
			issues = append(issues, &errs.TreeInconsistency{Guid: n.Guid, Err: errParentNotFound})
			continue
		}
		n.ParentGuid = parent.Guid
		n.HasParent = true
		parent.Children[n.Guid] = n
	}
	return issues
}

// resolveParent picks the parent for n: explicit parentGuid from the
// wire message first, a synthetic root attach for services (path
// length 1), then a path-index fallback for len(path) > 1.
func (t *Tree) resolveParent(n *Node, explicitParentGuid *string) *Node {
	if explicitParentGuid != nil {
		if p, ok := t.nodes[*explicitParentGuid]; ok {
			return p
		}
	}
	if len(n.Path) <= 1 {
		return t.ensureRoot()
	}
	return t.lookupByPath(n.Path[:len(n.Path)-1])
}

var errParentNotFound = errTreeError("parent not found")

type errTreeError string

func (e errTreeError) Error() string { return string(e) }

// UpdateResult reports what changed as a result of UpdateInstance, so
// the coordinator can decide what to mirror to disk and the
// sourcemap.
type UpdateResult struct {
	Node          *Node
	IsNew         bool
	PathChanged   bool
	NameChanged   bool
	ParentChanged bool
	PrevPath      []string
	PrevName      string
}

// UpdateInstance upserts one instance by guid. For an existing node,
// path/name/parent changes trigger a full re-parent and a recursive
// path recalculation of the subtree; the source only replaces when
// the message actually carries one.
func (t *Tree) UpdateInstance(inst codec.InstanceData) (UpdateResult, error) {
	existing, ok := t.nodes[inst.Guid]
	if !ok {
		return t.insertInstance(inst)
	}
	return t.mutateInstance(existing, inst)
}

func (t *Tree) insertInstance(inst codec.InstanceData) (UpdateResult, error) {
	n := newNode(inst.Guid, inst.ClassName, inst.Name, inst.Path)
	if inst.Source != nil {
		n.Source = inst.Source
	}
	if inst.Properties != nil {
		n.Properties = append([]byte(nil), inst.Properties...)
	}
	if inst.Attributes != nil {
		n.Attributes = append([]byte(nil), inst.Attributes...)
	}
	t.nodes[n.Guid] = n
	t.registerPath(n)

	parent := t.resolveParent(n, inst.ParentGuid)
	var err error
	if parent == nil {
		err = &errs.TreeInconsistency{Guid: n.Guid, Err: errParentNotFound}
	} else {
		n.ParentGuid = parent.Guid
		n.HasParent = true
		parent.Children[n.Guid] = n
	}

	return UpdateResult{Node: n, IsNew: true}, err
}

func (t *Tree) mutateInstance(n *Node, inst codec.InstanceData) (UpdateResult, error) {
	prevPath := append([]string(nil), n.Path...)
	prevName := n.Name
	nameChanged := n.Name != inst.Name
	pathChanged := pathKey(n.Path) != pathKey(inst.Path)

	var newParentGuid string
	parentChanged := false
	if inst.ParentGuid != nil {
		newParentGuid = *inst.ParentGuid
		parentChanged = !n.HasParent || n.ParentGuid != newParentGuid
	}

	if !pathChanged && !nameChanged && !parentChanged {
		if inst.Source != nil {
			n.Source = inst.Source
		}
		if inst.Properties != nil {
			n.Properties = append([]byte(nil), inst.Properties...)
		}
		if inst.Attributes != nil {
			n.Attributes = append([]byte(nil), inst.Attributes...)
		}
		return UpdateResult{Node: n}, nil
	}

	// Detach the whole subtree from the path index before mutating.
	t.unregisterSubtree(n)
	if n.HasParent {
		if oldParent, ok := t.nodes[n.ParentGuid]; ok {
			delete(oldParent.Children, n.Guid)
		}
	}

	n.Name = inst.Name
	n.ClassName = inst.ClassName
	n.Path = append([]string(nil), inst.Path...)
	if inst.Source != nil {
		n.Source = inst.Source
	}
	if inst.Properties != nil {
		n.Properties = append([]byte(nil), inst.Properties...)
	}
	if inst.Attributes != nil {
		n.Attributes = append([]byte(nil), inst.Attributes...)
	}

	var err error
	parent := t.resolveParent(n, inst.ParentGuid)
	if parent == nil {
		err = &errs.TreeInconsistency{Guid: n.Guid, Err: errParentNotFound}
		n.HasParent = false
	} else {
		n.ParentGuid = parent.Guid
		n.HasParent = true
		parent.Children[n.Guid] = n
	}

	t.recalculatePaths(n)
	t.registerSubtree(n)

	return UpdateResult{
		Node:          n,
		PathChanged:   pathChanged,
		NameChanged:   nameChanged,
		ParentChanged: parentChanged,
		PrevPath:      prevPath,
		PrevName:      prevName,
	}, err
}

// recalculatePaths rewrites n's own path from its (already updated)
// parent and name, then recurses into descendants so every path in
// the moved subtree stays consistent with invariant 2. Must run
// before registerSubtree.
func (t *Tree) recalculatePaths(n *Node) {
	if n.HasParent {
		if parent, ok := t.nodes[n.ParentGuid]; ok && parent.Guid != RootGuid {
			n.Path = append(append([]string(nil), parent.Path...), n.Name)
		} else {
			n.Path = []string{n.Name}
		}
	}
	for _, child := range n.Children {
		child.Path = append(append([]string(nil), n.Path...), child.Name)
		t.recalculatePaths(child)
	}
}

func (t *Tree) unregisterSubtree(n *Node) {
	t.unregisterPath(n)
	for _, child := range n.Children {
		t.unregisterSubtree(child)
	}
}

func (t *Tree) registerSubtree(n *Node) {
	t.registerPath(n)
	for _, child := range n.Children {
		t.registerSubtree(child)
	}
}

// DeleteInstance detaches guid from its parent, then iteratively
// removes the entire subtree from the node table and path index.
// Returns the removed root node so callers can propagate file
// deletions for every descendant script, or nil if guid was unknown.
func (t *Tree) DeleteInstance(guid string) *Node {
	n, ok := t.nodes[guid]
	if !ok {
		return nil
	}
	if n.HasParent {
		if parent, ok := t.nodes[n.ParentGuid]; ok {
			delete(parent.Children, n.Guid)
		}
	}
	t.removeSubtree(n)
	return n
}

func (t *Tree) removeSubtree(n *Node) {
	stack := []*Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		t.unregisterPath(cur)
		delete(t.nodes, cur.Guid)
		for _, child := range cur.Children {
			stack = append(stack, child)
		}
	}
}

// UpdateScriptSource replaces the source text of an existing script
// node without any structural change. Returns false if guid is
// unknown.
func (t *Tree) UpdateScriptSource(guid, source string) bool {
	n, ok := t.nodes[guid]
	if !ok {
		return false
	}
	n.Source = &source
	return true
}

// GetNode returns the node for guid, or nil.
func (t *Tree) GetNode(guid string) *Node {
	return t.nodes[guid]
}

// GetAllNodes returns every node except the synthetic root as one flat
// list sorted by (name, className, guid) for deterministic iteration;
// the list is not grouped by parent.
func (t *Tree) GetAllNodes() []*Node {
	out := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		if n.Guid == RootGuid {
			continue
		}
		out = append(out, n)
	}
	sortSiblings(out)
	return out
}

// GetScriptNodes returns every script node (Script, LocalScript,
// ModuleScript), sibling-ordered.
func (t *Tree) GetScriptNodes() []*Node {
	out := make([]*Node, 0)
	for _, n := range t.nodes {
		if n.IsScript() {
			out = append(out, n)
		}
	}
	sortSiblings(out)
	return out
}

// GetDescendantScripts returns every script node in the subtree
// rooted at guid, inclusive.
func (t *Tree) GetDescendantScripts(guid string) []*Node {
	root, ok := t.nodes[guid]
	if !ok {
		return nil
	}
	var out []*Node
	var walk func(*Node)
	walk = func(n *Node) {
		if n.IsScript() {
			out = append(out, n)
		}
		for _, child := range n.Children {
			walk(child)
		}
	}
	walk(root)
	sortSiblings(out)
	return out
}

// Stats summarizes the current tree for logging/diagnostics.
type Stats struct {
	TotalNodes  int
	ScriptNodes int
	MaxDepth    int
}

// GetStats computes summary counters over the current tree.
func (t *Tree) GetStats() Stats {
	var s Stats
	for _, n := range t.nodes {
		if n.Guid == RootGuid {
			continue
		}
		s.TotalNodes++
		if n.IsScript() {
			s.ScriptNodes++
		}
		if len(n.Path) > s.MaxDepth {
			s.MaxDepth = len(n.Path)
		}
	}
	return s
}

func sortSiblings(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Name != nodes[j].Name {
			return nodes[i].Name < nodes[j].Name
		}
		if nodes[i].ClassName != nodes[j].ClassName {
			return nodes[i].ClassName < nodes[j].ClassName
		}
		return nodes[i].Guid < nodes[j].Guid
	})
}
