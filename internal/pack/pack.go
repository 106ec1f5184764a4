// Package pack implements the one-shot "pack" operation: wait for the
// editor to connect, request a property-inclusive snapshot, and merge
// the result into an existing sourcemap.json. Existing filePaths carry
// over by guid only: a node without a guid, or whose guid is not in
// the snapshot, comes out without filePaths. Properties and attributes
// are overlaid by guid where available, falling back to a
// (path, className) bucket with an advancing cursor otherwise.
package pack

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/Ransomwave/azul/internal/codec"
	"github.com/Ransomwave/azul/internal/errs"
	"github.com/Ransomwave/azul/internal/sourcemap"
)

// Transport is the subset of the transport server the packer depends
// on, mirroring coordinator.Transport but kept separate so this
// package never imports internal/coordinator.
type Transport interface {
	RequestSnapshot(includeProperties, scriptsAndDescendantsOnly bool) error
	OnConnection(cb func())
	OnMessage(cb func(codec.Message))
}

// SnapshotTimeout bounds how long Pack waits for the editor's reply
// after connecting.
const SnapshotTimeout = 30 * time.Second

// Options configures a single pack run.
type Options struct {
	ScriptsAndDescendantsOnly bool
	Mode                      string // e.g. "full", "scripts"
	SourcemapPath             string
}

// azulMeta is the root-level _azul metadata pack stamps on success.
type azulMeta struct {
	PackVersion int    `json:"packVersion"`
	PackedAt    string `json:"packedAt"`
	Mode        string `json:"mode"`
}

// Run waits for the editor to connect over tr, requests a full
// property-inclusive snapshot, and merges it into the sourcemap at
// opts.SourcemapPath. now is injected so the stamped timestamp is
// deterministic to test.
func Run(ctx context.Context, tr Transport, opts Options, now time.Time) error {
	connected := make(chan struct{}, 1)
	snapshots := make(chan []codec.InstanceData, 1)

	tr.OnConnection(func() {
		log.Printf("[pack] editor connected, requesting snapshot")
		select {
		case connected <- struct{}{}:
		default:
		}
		if err := tr.RequestSnapshot(true, opts.ScriptsAndDescendantsOnly); err != nil {
			log.Printf("[pack] requestSnapshot failed: %v", err)
		}
	})
	tr.OnMessage(func(m codec.Message) {
		if fs, ok := m.(codec.FullSnapshot); ok {
			select {
			case snapshots <- fs.Data:
			default:
			}
		}
	})

	select {
	case <-connected:
	case <-ctx.Done():
		return ctx.Err()
	}

	timer := time.NewTimer(SnapshotTimeout)
	defer timer.Stop()

	select {
	case data := <-snapshots:
		return merge(data, opts, now)
	case <-timer.C:
		return &errs.SnapshotTimeout{Deadline: SnapshotTimeout.String()}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func merge(instances []codec.InstanceData, opts Options, now time.Time) error {
	existing, err := sourcemap.Load(opts.SourcemapPath)
	if err != nil {
		return err
	}

	filePaths := indexFilePaths(existing)
	root := regenerateShape(instances, filePaths)
	overlayProperties(root, instances)

	mode := opts.Mode
	if mode == "" {
		mode = "full"
		if opts.ScriptsAndDescendantsOnly {
			mode = "scripts"
		}
	}
	meta, err := json.Marshal(azulMeta{
		PackVersion: 1,
		PackedAt:    now.UTC().Format(time.RFC3339),
		Mode:        mode,
	})
	if err != nil {
		return err
	}
	root.Azul = meta

	log.Printf("[pack] merged %d instances into %s", len(instances), opts.SourcemapPath)
	return sourcemap.Write(root, opts.SourcemapPath)
}

// pathKey joins an instance path with "/" for use in bucket keys.
func pathKey(path []string) string { return strings.Join(path, "/") }

// indexFilePaths maps the guid of every node in the existing sourcemap
// tree that has filePaths to those filePaths. Nodes without a guid are
// not indexed, so their filePaths are not carried over.
func indexFilePaths(root *sourcemap.Root) (byGuid map[string][]string) {
	byGuid = make(map[string][]string)
	var walk func(n *sourcemap.Node, path []string)
	walk = func(n *sourcemap.Node, path []string) {
		cur := append(append([]string{}, path...), n.Name)
		if n.Guid != "" && len(n.FilePaths) > 0 {
			byGuid[n.Guid] = n.FilePaths
		}
		for _, c := range n.Children {
			walk(c, cur)
		}
	}
	for _, c := range root.Children {
		walk(c, nil)
	}
	return byGuid
}

// regenerateShape rebuilds the sourcemap tree from the snapshot,
// reattaching any filePaths known for a guid from the previous
// sourcemap.
func regenerateShape(instances []codec.InstanceData, byGuid map[string][]string) *sourcemap.Root {
	nodes := make(map[string]*sourcemap.Node, len(instances))
	var order []string
	for _, inst := range instances {
		n := &sourcemap.Node{
			Name:      inst.Name,
			ClassName: inst.ClassName,
			Guid:      inst.Guid,
		}
		if fp, ok := byGuid[inst.Guid]; ok {
			n.FilePaths = fp
		}
		nodes[inst.Guid] = n
		order = append(order, inst.Guid)
	}

	root := &sourcemap.Root{Name: "Game", ClassName: "DataModel"}
	byGuidInst := make(map[string]codec.InstanceData, len(instances))
	for _, inst := range instances {
		byGuidInst[inst.Guid] = inst
	}

	for _, guid := range order {
		inst := byGuidInst[guid]
		n := nodes[guid]
		if inst.ParentGuid == nil || *inst.ParentGuid == "" {
			root.Children = append(root.Children, n)
			continue
		}
		if parent, ok := nodes[*inst.ParentGuid]; ok {
			parent.Children = append(parent.Children, n)
		} else {
			root.Children = append(root.Children, n)
		}
	}

	sortTreeSiblings(root)
	return root
}

// sortTreeSiblings orders every sibling list by (name, className,
// guid), matching the order a freshly emitted subtree gets elsewhere
// rather than leaving siblings in snapshot order.
func sortTreeSiblings(root *sourcemap.Root) {
	sortSiblingSlice(root.Children)
	for _, n := range root.Children {
		sortChildrenRecursive(n)
	}
}

func sortChildrenRecursive(n *sourcemap.Node) {
	sortSiblingSlice(n.Children)
	for _, c := range n.Children {
		sortChildrenRecursive(c)
	}
}

func sortSiblingSlice(nodes []*sourcemap.Node) {
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

// overlayProperties applies each instance's properties/attributes onto
// the matching regenerated node: guid-keyed first, then
// (path, className)-keyed with a used-guid set so a single snapshot
// node is never bound twice.
func overlayProperties(root *sourcemap.Root, instances []codec.InstanceData) {
	byGuid := make(map[string]*sourcemap.Node)
	buckets := make(map[string][]*sourcemap.Node)
	var index func(n *sourcemap.Node, path []string)
	index = func(n *sourcemap.Node, path []string) {
		cur := append(append([]string{}, path...), n.Name)
		if n.Guid != "" {
			byGuid[n.Guid] = n
		}
		key := pathKey(cur) + "|" + n.ClassName
		buckets[key] = append(buckets[key], n)
		for _, c := range n.Children {
			index(c, cur)
		}
	}
	for _, c := range root.Children {
		index(c, nil)
	}

	cursor := make(map[string]int)
	used := make(map[*sourcemap.Node]bool)

	for _, inst := range instances {
		if inst.Properties == nil && inst.Attributes == nil {
			continue
		}
		var target *sourcemap.Node
		if n, ok := byGuid[inst.Guid]; ok && !used[n] {
			target = n
		} else {
			key := pathKey(inst.Path) + "|" + inst.ClassName
			candidates := buckets[key]
			i := cursor[key]
			for i < len(candidates) && used[candidates[i]] {
				i++
			}
			if i < len(candidates) {
				target = candidates[i]
				cursor[key] = i + 1
			}
		}
		if target == nil {
			continue
		}
		used[target] = true
		target.Properties = inst.Properties
		target.Attributes = inst.Attributes
	}
}
