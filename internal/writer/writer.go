// Package writer projects script tree nodes onto disk under a
// configured sync directory, keeping a guid<->file-path mapping that
// is authoritative over the on-disk layout: when a mapping changes,
// the old file is removed before the new one is written.
package writer

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Ransomwave/azul/internal/errs"
	"github.com/Ransomwave/azul/internal/tree"
)

var sanitizeReplacer = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_", "|", "_", "?", "_", "*", "_",
)

func sanitizeSegment(s string) string {
	return sanitizeReplacer.Replace(s)
}

// Mapping is one guid's claim on a file path.
type Mapping struct {
	Guid      string
	FilePath  string // relative to BaseDir, forward-slash
	ClassName string
}

// Writer maintains the sync directory and the guid<->path mapping.
type Writer struct {
	BaseDir             string
	Extension           string
	SuffixModuleScripts bool

	byGuid map[string]*Mapping
	byPath map[string]string // filePath -> guid, disambiguation lookups
}

// New returns a Writer rooted at baseDir.
func New(baseDir, extension string, suffixModuleScripts bool) *Writer {
	return &Writer{
		BaseDir:             baseDir,
		Extension:           extension,
		SuffixModuleScripts: suffixModuleScripts,
		byGuid:              make(map[string]*Mapping),
		byPath:              make(map[string]string),
	}
}

// Mapping returns the current mapping for guid, or nil.
func (w *Writer) Mapping(guid string) *Mapping {
	return w.byGuid[guid]
}

// GuidForPath returns the guid owning filePath, or "" if unmapped.
func (w *Writer) GuidForPath(filePath string) (string, bool) {
	guid, ok := w.byPath[filePath]
	return guid, ok
}

// AllMappings returns every current guid->path mapping.
func (w *Writer) AllMappings() []Mapping {
	out := make([]Mapping, 0, len(w.byGuid))
	for _, m := range w.byGuid {
		out = append(out, *m)
	}
	return out
}

// GetFilePath derives the on-disk path for node without writing
// anything.
func (w *Writer) GetFilePath(n *tree.Node) string {
	// Directory segments are every ancestor (everything but the node's
	// own name, which becomes the file name below).
	segments := make([]string, len(n.Path)-1)
	for i, s := range n.Path[:len(n.Path)-1] {
		segments[i] = sanitizeSegment(s)
	}

	stem := sanitizeSegment(n.Name)
	isInitFile := len(n.Path) >= 2 && n.Name == n.Path[len(n.Path)-2]

	var fileName string
	switch {
	case isInitFile:
		fileName = "init" + w.Extension
	case w.SuffixModuleScripts && n.ClassName == "ModuleScript":
		fileName = stem + ".module" + w.Extension
	default:
		fileName = stem + w.Extension
	}

	segments = append(segments, fileName)
	rel := filepath.Join(segments...)

	if owner, ok := w.byPath[filepath.ToSlash(rel)]; ok && owner != n.Guid {
		rel = disambiguate(rel, n.Guid)
	}
	return filepath.ToSlash(rel)
}

// disambiguate appends __<guid-prefix-8> to the file stem, stable for
// a given guid+collision context.
func disambiguate(rel, guid string) string {
	dir, file := filepath.Split(rel)
	ext := filepath.Ext(file)
	stem := strings.TrimSuffix(file, ext)
	prefix := guid
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return filepath.Join(dir, stem+"__"+prefix+ext)
}

// WriteScript computes the target path for n, relocating the file if
// the guid's mapping changed, and writes the current source. A nil
// source is treated as empty text (scripts may be created before
// their first edit arrives).
func (w *Writer) WriteScript(n *tree.Node) error {
	if !n.IsScript() {
		return nil
	}
	target := w.GetFilePath(n)

	if existing, ok := w.byGuid[n.Guid]; ok && existing.FilePath != target {
		if err := w.removeFileAndPrune(existing.FilePath); err != nil {
			return err
		}
		delete(w.byPath, existing.FilePath)
	}

	absTarget := filepath.Join(w.BaseDir, filepath.FromSlash(target))
	if err := os.MkdirAll(filepath.Dir(absTarget), 0755); err != nil {
		return &errs.FSError{Path: absTarget, Op: "mkdir", Err: err}
	}

	source := ""
	if n.Source != nil {
		source = *n.Source
	}
	if err := os.WriteFile(absTarget, []byte(source), 0644); err != nil {
		return &errs.FSError{Path: absTarget, Op: "write", Err: err}
	}

	w.byGuid[n.Guid] = &Mapping{Guid: n.Guid, FilePath: target, ClassName: n.ClassName}
	w.byPath[target] = n.Guid
	return nil
}

// DeleteScript removes the file and mapping for guid. No-op if the
// mapping is absent.
func (w *Writer) DeleteScript(guid string) error {
	m, ok := w.byGuid[guid]
	if !ok {
		return nil
	}
	if err := w.removeFileAndPrune(m.FilePath); err != nil {
		return err
	}
	delete(w.byGuid, guid)
	delete(w.byPath, m.FilePath)
	return nil
}

// DeleteFilePath removes a stray file and any mapping pointing to it,
// keyed by the relative path rather than a guid. Its caller is the
// serve command's startup orphan cleanup.
func (w *Writer) DeleteFilePath(relPath string) error {
	if err := w.removeFileAndPrune(relPath); err != nil {
		return err
	}
	if guid, ok := w.byPath[relPath]; ok {
		delete(w.byGuid, guid)
		delete(w.byPath, relPath)
	}
	return nil
}

func (w *Writer) removeFileAndPrune(relPath string) error {
	abs := filepath.Join(w.BaseDir, filepath.FromSlash(relPath))
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return &errs.FSError{Path: abs, Op: "remove", Err: err}
	}
	w.pruneEmptyAncestors(filepath.Dir(abs))
	return nil
}

// pruneEmptyAncestors removes empty directories from dir upward,
// stopping at (not including) BaseDir.
func (w *Writer) pruneEmptyAncestors(dir string) {
	base := filepath.Clean(w.BaseDir)
	for {
		dir = filepath.Clean(dir)
		if dir == base || !strings.HasPrefix(dir, base) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// WriteTree writes every script node in nodes, used after a full
// snapshot. The first error is returned once every node has been
// attempted.
func (w *Writer) WriteTree(nodes []*tree.Node) error {
	var first error
	for _, n := range nodes {
		if err := w.WriteScript(n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CleanupEmptyDirectories walks BaseDir depth-first and removes any
// directory that ends up empty.
func (w *Writer) CleanupEmptyDirectories() error {
	var dirs []string
	err := filepath.Walk(w.BaseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || path == w.BaseDir {
			return nil
		}
		if info.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return &errs.FSError{Path: w.BaseDir, Op: "walk", Err: err}
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil {
			continue
		}
		if len(entries) == 0 {
			os.Remove(dirs[i])
		}
	}
	return nil
}
