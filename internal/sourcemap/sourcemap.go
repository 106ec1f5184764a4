// Package sourcemap produces and incrementally maintains a
// Rojo-compatible sourcemap.json: a tree rooted at {name: "Game",
// className: "DataModel"} mirroring the in-memory tree, carrying
// filePaths on script nodes plus azul's guid and _azul extensions.
package sourcemap

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/Ransomwave/azul/internal/errs"
	"github.com/Ransomwave/azul/internal/tree"
	"github.com/Ransomwave/azul/internal/writer"
)

// Node is the on-disk projection of one tree node.
type Node struct {
	Name       string          `json:"name"`
	ClassName  string          `json:"className"`
	Guid       string          `json:"guid,omitempty"`
	FilePaths  []string        `json:"filePaths,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	Children   []*Node         `json:"children,omitempty"`
}

// Root is the sourcemap document.
type Root struct {
	Name      string          `json:"name"`
	ClassName string          `json:"className"`
	Children  []*Node         `json:"children,omitempty"`
	Azul      json.RawMessage `json:"_azul,omitempty"`
}

// Generate performs a full reconstruction of the sourcemap from the
// current tree and writer mappings. A visited set over guids defends
// against cyclic references in malformed snapshots; a cycle is logged
// and broken (a guid already visited is emitted without children).
func Generate(t *tree.Tree, w *writer.Writer) *Root {
	root := &Root{Name: "Game", ClassName: "DataModel"}

	rootNode := t.GetNode(tree.RootGuid)
	if rootNode == nil {
		return root
	}

	visited := make(map[string]bool)
	services := childNodes(t, rootNode)
	for _, svc := range services {
		root.Children = append(root.Children, buildSubtree(t, w, svc, visited))
	}
	return root
}

func childNodes(t *tree.Tree, n *tree.Node) []*tree.Node {
	out := make([]*tree.Node, 0, len(n.Children))
	for _, c := range n.Children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		if out[i].ClassName != out[j].ClassName {
			return out[i].ClassName < out[j].ClassName
		}
		return out[i].Guid < out[j].Guid
	})
	return out
}

// cwdRelative projects a writer-relative file path (relative to
// baseDir) onto a path relative to the process working directory, the
// form filePaths is documented to carry. baseDir is ordinarily a
// relative syncDir like "./sync", so the join just prefixes it; an
// absolute baseDir (as in tests rooted under a temp directory) yields
// an absolute path instead, which is still correct, just not relative.
func cwdRelative(baseDir, filePath string) string {
	return filepath.ToSlash(filepath.Join(baseDir, filepath.FromSlash(filePath)))
}

func buildSubtree(t *tree.Tree, w *writer.Writer, n *tree.Node, visited map[string]bool) *Node {
	if visited[n.Guid] {
		log.Printf("[sourcemap] cycle at guid %s, truncating", n.Guid)
		return &Node{Name: n.Name, ClassName: n.ClassName, Guid: n.Guid}
	}
	visited[n.Guid] = true

	sn := &Node{Name: n.Name, ClassName: n.ClassName, Guid: n.Guid}
	if n.IsScript() {
		if m := w.Mapping(n.Guid); m != nil {
			sn.FilePaths = []string{cwdRelative(w.BaseDir, m.FilePath)}
		}
	}
	if len(n.Properties) > 0 {
		sn.Properties = n.Properties
	}
	if len(n.Attributes) > 0 {
		sn.Attributes = n.Attributes
	}

	for _, child := range childNodes(t, n) {
		sn.Children = append(sn.Children, buildSubtree(t, w, child, visited))
	}
	return sn
}

// Write pretty-prints root to path, creating the parent directory if
// needed.
func Write(root *Root, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &errs.FSError{Path: path, Op: "mkdir", Err: err}
	}
	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return &errs.FSError{Path: path, Op: "marshal", Err: err}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return &errs.FSError{Path: path, Op: "write", Err: err}
	}
	return nil
}

// Load reads and parses the sourcemap at path. Returns a
// SourcemapCorrupted error on any parse failure; callers fall back to
// full regeneration in that case.
func Load(path string) (*Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Root{Name: "Game", ClassName: "DataModel"}, nil
		}
		return nil, &errs.SourcemapCorrupted{Path: path, Err: err}
	}
	var root Root
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, &errs.SourcemapCorrupted{Path: path, Err: err}
	}
	return &root, nil
}

// UpsertSubtree loads the existing sourcemap (or creates a root),
// optionally prunes the old location if the node moved, builds the
// subtree fresh, then inserts or replaces it at the new location.
// On any failure the caller should fall back to a full Generate+Write
// (modeled here by returning a non-nil error — the coordinator treats
// any error from UpsertSubtree as "regenerate requested").
func UpsertSubtree(t *tree.Tree, w *writer.Writer, path string, n *tree.Node, oldPath []string, isNew bool) error {
	root, err := Load(path)
	if err != nil {
		return err
	}

	if oldPath != nil {
		removePath(root, oldPath, n.Guid, n.ClassName)
	}

	visited := make(map[string]bool)
	fresh := buildSubtree(t, w, n, visited)

	insertAt(root, n.Path, fresh, isNew)
	return Write(root, path)
}

// insertAt walks root down to the parent of target path, matching by
// guid first then (name, className) for structural lookups, and
// inserts or replaces fresh there. isNew forces append semantics so
// same-name-sibling nodes are never merged.
func insertAt(root *Root, path []string, fresh *Node, isNew bool) {
	if len(path) == 0 {
		return
	}
	children := &root.Children
	for depth := 0; depth < len(path)-1; depth++ {
		child := findChild(*children, path[depth], "", "")
		if child == nil {
			// Ancestor missing: synthesize a bare Folder container so the
			// subtree still has somewhere to live.
			child = &Node{Name: path[depth], ClassName: "Folder"}
			*children = append(*children, child)
		}
		children = &child.Children
	}

	if !isNew {
		if existing := findChild(*children, fresh.Name, fresh.ClassName, fresh.Guid); existing != nil {
			*existing = *fresh
			return
		}
	}
	*children = append(*children, fresh)
}

func findChild(children []*Node, name, className, guid string) *Node {
	if guid != "" {
		for _, c := range children {
			if c.Guid == guid {
				return c
			}
		}
	}
	for _, c := range children {
		if c.Name == name && (className == "" || c.ClassName == className) {
			return c
		}
	}
	return nil
}

// PrunePath removes the node at pathSegments from root. The final
// segment match prefers guid, then className, then name only as a
// last resort. After removal, ancestor nodes left with no children and
// no guid are collapsed; an ancestor with a guid is kept. Returns whether a node was actually removed.
func PrunePath(root *Root, pathSegments []string, targetGuid, targetClassName string) bool {
	return removePath(root, pathSegments, targetGuid, targetClassName)
}

func removePath(root *Root, pathSegments []string, targetGuid, targetClassName string) bool {
	if len(pathSegments) == 0 {
		return false
	}
	return removeAt(&root.Children, pathSegments, targetGuid, targetClassName)
}

func removeAt(children *[]*Node, pathSegments []string, targetGuid, targetClassName string) bool {
	name := pathSegments[0]
	idx := -1

	if len(pathSegments) == 1 {
		idx = findRemovalIndex(*children, name, targetGuid, targetClassName)
	} else {
		for i, c := range *children {
			if c.Name == name {
				idx = i
				break
			}
		}
	}
	if idx == -1 {
		return false
	}

	if len(pathSegments) == 1 {
		*children = append((*children)[:idx], (*children)[idx+1:]...)
		return true
	}

	removed := removeAt(&(*children)[idx].Children, pathSegments[1:], targetGuid, targetClassName)
	if removed && len((*children)[idx].Children) == 0 && (*children)[idx].Guid == "" {
		*children = append((*children)[:idx], (*children)[idx+1:]...)
	}
	return removed
}

// findRemovalIndex implements the final-segment match preference:
// guid first, then className, then name-only as a fallback.
func findRemovalIndex(children []*Node, name, targetGuid, targetClassName string) int {
	if targetGuid != "" {
		for i, c := range children {
			if c.Guid == targetGuid {
				return i
			}
		}
	}
	if targetClassName != "" {
		for i, c := range children {
			if c.Name == name && c.ClassName == targetClassName {
				return i
			}
		}
	}
	for i, c := range children {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// ValidationResult reports any filePaths entries whose target does
// not exist on disk.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate checks every FilePaths entry in root against the process
// working directory: entries are already cwd-relative, so they are
// stat'd as-is rather than joined against a sync directory.
func Validate(root *Root) ValidationResult {
	var result ValidationResult
	result.Valid = true
	walkValidate(root.Children, &result)
	return result
}

func walkValidate(nodes []*Node, result *ValidationResult) {
	for _, n := range nodes {
		for _, fp := range n.FilePaths {
			if _, err := os.Stat(filepath.FromSlash(fp)); err != nil {
				result.Valid = false
				result.Errors = append(result.Errors, fp)
			}
		}
		walkValidate(n.Children, result)
	}
}
