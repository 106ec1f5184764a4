// Package coordinator owns the tree, writer, and sourcemap generator
// for the lifetime of a process and drives the session state machine
// that routes messages between the editor transport, the tree, the
// file writer, and the sourcemap. Modeled on the background-worker
// lifecycle (stopCh/doneCh handshake, mutex-guarded state) used by the
// sync engine this module's daemon mode is descended from.
package coordinator

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Ransomwave/azul/internal/cache"
	"github.com/Ransomwave/azul/internal/codec"
	"github.com/Ransomwave/azul/internal/errs"
	"github.com/Ransomwave/azul/internal/sourcemap"
	"github.com/Ransomwave/azul/internal/tree"
	"github.com/Ransomwave/azul/internal/writer"
)

// State is a session's position in the connect/prime/live/disconnect
// state machine.
type State int

const (
	StateIdle State = iota
	StatePriming
	StateLive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePriming:
		return "priming"
	case StateLive:
		return "live"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Transport is the subset of the WebSocket transport server the
// coordinator depends on. Defined here, not in internal/transport, so
// the coordinator can be tested against a fake without importing
// gorilla/websocket.
type Transport interface {
	Send(msg codec.Message) error
	RequestSnapshot(includeProperties, scriptsAndDescendantsOnly bool) error
	OnConnection(cb func())
	OnMessage(cb func(codec.Message))
	OnDisconnect(cb func())
}

// Watcher is the subset of the filesystem watcher the coordinator
// depends on.
type Watcher interface {
	OnChange(cb func(path string))
	OnAdd(cb func(path string))
	OnUnlink(cb func(path string))
	SuppressNext(path string)
	Start() error
	Stop() error
}

// Config controls coordinator behavior; it mirrors the relevant
// fields of internal/config.Config so the coordinator never imports
// the config package directly (cmd/azul wires the two together).
type Config struct {
	SyncDir                string
	SourcemapPath          string
	ScriptExtension        string
	DeleteOrphansOnConnect bool
	SuffixModuleScripts    bool
	RequestSnapshotOnConnect bool
}

// Coordinator owns the tree, writer, and sourcemap generator for the
// process lifetime and dispatches editor/watcher events between them.
type Coordinator struct {
	cfg       Config
	transport Transport
	watcher   Watcher

	tree   *tree.Tree
	writer *writer.Writer

	mu    sync.RWMutex
	state State

	selfWrites *cache.Cache[bool]

	stopCh chan struct{}
	doneCh chan struct{}
}

// New wires a Coordinator. The tree, writer, and sourcemap generator
// are created once here and owned by the coordinator for the life of
// the process, per the design's "no module-level singletons beyond
// this" rule.
func New(cfg Config, transport Transport, watcher Watcher) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		transport:  transport,
		watcher:    watcher,
		tree:       tree.New(),
		writer:     writer.New(cfg.SyncDir, cfg.ScriptExtension, cfg.SuffixModuleScripts),
		selfWrites: cache.New[bool](2*time.Second, 0),
		state:      StateIdle,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// State returns the current session state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Tree exposes the owned tree for commands (build/push/pack) that
// need read access outside the live-sync loop.
func (c *Coordinator) Tree() *tree.Tree { return c.tree }

// Writer exposes the owned writer mapping for the same reason.
func (c *Coordinator) Writer() *writer.Writer { return c.writer }

// Run wires the transport and watcher callbacks and blocks until
// Stop is called. The callbacks arrive on the transport's and the
// watcher's own goroutines; Run wraps each in one shared lock, so
// tree/writer/sourcemap mutation happens one event at a time.
func (c *Coordinator) Run() {
	var loop sync.Mutex
	serial := func(f func()) func() {
		return func() { loop.Lock(); defer loop.Unlock(); f() }
	}
	serialPath := func(f func(string)) func(string) {
		return func(p string) { loop.Lock(); defer loop.Unlock(); f(p) }
	}
	c.transport.OnConnection(serial(c.handleConnect))
	c.transport.OnMessage(func(m codec.Message) { loop.Lock(); defer loop.Unlock(); c.handleMessage(m) })
	c.transport.OnDisconnect(serial(c.handleDisconnect))

	c.watcher.OnChange(serialPath(c.handleWatchChange))
	c.watcher.OnAdd(serialPath(c.handleWatchAdd))
	c.watcher.OnUnlink(serialPath(c.handleWatchUnlink))

	if err := c.watcher.Start(); err != nil {
		log.Printf("[coordinator] watcher start failed: %v", err)
	}

	<-c.stopCh
	c.watcher.Stop()
	close(c.doneCh)
}

// Stop signals Run to unwind and waits for it to finish.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// handleConnect: Idle -> Priming, issuing requestSnapshot immediately
// when configured to prime eagerly.
func (c *Coordinator) handleConnect() {
	c.setState(StatePriming)
	if c.cfg.RequestSnapshotOnConnect {
		if err := c.transport.RequestSnapshot(false, false); err != nil {
			log.Printf("[coordinator] requestSnapshot on connect failed: %v", err)
		}
	}
}

// handleDisconnect retains the tree and mappings so a reconnect can
// diff efficiently; only the session state resets.
func (c *Coordinator) handleDisconnect() {
	c.setState(StateDisconnected)
}

func (c *Coordinator) handleMessage(msg codec.Message) {
	switch m := msg.(type) {
	case codec.FullSnapshot:
		c.applyFullSnapshot(m.Data)
	case codec.InstanceUpdated:
		c.applyInstanceUpdated(m.Data)
	case codec.InstanceDeleted:
		c.applyInstanceDeleted(m.Guid)
	case codec.ScriptSourceChanged:
		c.applyScriptSourceChanged(m.Guid, m.Source)
	default:
		log.Printf("[coordinator] unhandled message kind %s", msg.Kind())
	}
}

// applyFullSnapshot: Priming -> Live on the first snapshot. Applies
// to the tree, writes every script, regenerates the sourcemap, and
// optionally deletes orphan files the snapshot doesn't claim.
func (c *Coordinator) applyFullSnapshot(data []codec.InstanceData) {
	issues := c.tree.ApplyFullSnapshot(data)
	for _, issue := range issues {
		log.Printf("[coordinator] %v", issue)
	}

	scripts := c.tree.GetScriptNodes()
	for _, n := range scripts {
		c.markSelfWrite(n)
	}
	if err := c.writer.WriteTree(scripts); err != nil {
		log.Printf("[coordinator] writeTree failed: %v", err)
	}

	if c.cfg.DeleteOrphansOnConnect {
		c.deleteOrphans(scripts)
	}

	root := sourcemap.Generate(c.tree, c.writer)
	if err := sourcemap.Write(root, c.cfg.SourcemapPath); err != nil {
		log.Printf("[coordinator] sourcemap write failed: %v", err)
	}

	c.setState(StateLive)
}

// deleteOrphans removes files under syncDir that no script node's
// mapping claims. A ".azulignore" file at the sync directory root, if
// present, excludes matching relative paths via filepath.Match globs
// (one pattern per line), since the nested-exclusion policy for
// reconnect orphan cleanup is otherwise unspecified.
func (c *Coordinator) deleteOrphans(scripts []*tree.Node) {
	claimed := make(map[string]bool, len(scripts))
	for _, n := range scripts {
		if m := c.writer.Mapping(n.Guid); m != nil {
			claimed[m.FilePath] = true
		}
	}
	ignore := loadIgnorePatterns(filepath.Join(c.cfg.SyncDir, ".azulignore"))

	filepath.Walk(c.cfg.SyncDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(c.cfg.SyncDir, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if claimed[rel] || rel == ".azulignore" {
			return nil
		}
		if matchesAny(ignore, rel) {
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil {
			log.Printf("[coordinator] orphan cleanup failed for %s: %v", path, rmErr)
		}
		return nil
	})
	c.writer.CleanupEmptyDirectories()
}

func loadIgnorePatterns(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var patterns []string
	for _, line := range splitLines(string(data)) {
		if line == "" || line[0] == '#' {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, trimCR(s[start:i]))
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, trimCR(s[start:]))
	}
	return lines
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}

func matchesAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(p, filepath.Base(rel)); ok {
			return true
		}
	}
	return false
}

// applyInstanceUpdated covers the three Live-state rows driven by
// instanceUpdated: new node, moved/renamed node, and source-only
// change.
func (c *Coordinator) applyInstanceUpdated(inst codec.InstanceData) {
	result, err := c.tree.UpdateInstance(inst)
	if err != nil {
		log.Printf("[coordinator] %v", err)
	}

	if result.Node.IsScript() {
		c.markSelfWrite(result.Node)
		if werr := c.writer.WriteScript(result.Node); werr != nil {
			log.Printf("[coordinator] writeScript failed: %v", werr)
			return
		}
	}

	switch {
	case result.IsNew:
		if uerr := sourcemap.UpsertSubtree(c.tree, c.writer, c.cfg.SourcemapPath, result.Node, nil, true); uerr != nil {
			c.regenerateSourcemap()
		}
	case result.PathChanged || result.NameChanged || result.ParentChanged:
		if uerr := sourcemap.UpsertSubtree(c.tree, c.writer, c.cfg.SourcemapPath, result.Node, result.PrevPath, false); uerr != nil {
			c.regenerateSourcemap()
		}
	default:
		// Source-only change: no structural sourcemap update needed.
	}
}

func (c *Coordinator) applyInstanceDeleted(guid string) {
	removed := c.tree.DeleteInstance(guid)
	if removed == nil {
		return
	}
	for _, script := range collectScripts(removed) {
		if err := c.writer.DeleteScript(script.Guid); err != nil {
			log.Printf("[coordinator] deleteScript failed: %v", err)
		}
	}

	root, err := sourcemap.Load(c.cfg.SourcemapPath)
	if err != nil {
		c.regenerateSourcemap()
		return
	}
	if !sourcemap.PrunePath(root, removed.Path, removed.Guid, removed.ClassName) {
		c.regenerateSourcemap()
		return
	}
	if err := sourcemap.Write(root, c.cfg.SourcemapPath); err != nil {
		log.Printf("[coordinator] sourcemap write failed: %v", err)
	}
}

func collectScripts(root *tree.Node) []*tree.Node {
	var out []*tree.Node
	var walk func(*tree.Node)
	walk = func(n *tree.Node) {
		if n.IsScript() {
			out = append(out, n)
		}
		for _, child := range n.Children {
			walk(child)
		}
	}
	walk(root)
	return out
}

// applyScriptSourceChanged handles the editor -> daemon direction of
// scriptSourceChanged: update the tree and rewrite the file. No
// structural sourcemap change is needed.
func (c *Coordinator) applyScriptSourceChanged(guid, source string) {
	if !c.tree.UpdateScriptSource(guid, source) {
		log.Printf("[coordinator] scriptSourceChanged for unknown guid %s", guid)
		return
	}
	n := c.tree.GetNode(guid)
	c.markSelfWrite(n)
	if err := c.writer.WriteScript(n); err != nil {
		log.Printf("[coordinator] writeScript failed: %v", err)
	}
}

func (c *Coordinator) regenerateSourcemap() {
	root := sourcemap.Generate(c.tree, c.writer)
	if err := sourcemap.Write(root, c.cfg.SourcemapPath); err != nil {
		log.Printf("[coordinator] sourcemap regeneration failed: %v", err)
	}
}

// markSelfWrite arms the self-write suppression flag for n's mapped
// path before the daemon writes it, so the Consume call in the
// coordinator's watch handlers discards the resulting filesystem event instead of looping it back
// to the editor.
func (c *Coordinator) markSelfWrite(n *tree.Node) {
	target := c.writer.GetFilePath(n)
	c.selfWrites.Set(target, true)
	c.watcher.SuppressNext(target)
}

// handleWatchChange: a local edit to a mapped script file. Read the
// new body and forward it to the editor, unless this event is the
// daemon's own write settling.
func (c *Coordinator) handleWatchChange(path string) {
	if c.selfWrites.Consume(path) {
		return
	}
	guid, ok := c.writer.GuidForPath(path)
	if !ok {
		log.Printf("[coordinator] change event for unmapped path %s", path)
		return
	}
	data, err := os.ReadFile(filepath.Join(c.cfg.SyncDir, filepath.FromSlash(path)))
	if err != nil {
		log.Printf("[coordinator] %v", &errs.FSError{Path: path, Op: "read", Err: err})
		return
	}
	source := string(data)
	c.tree.UpdateScriptSource(guid, source)
	if err := c.transport.Send(codec.NewScriptSourceChanged(guid, source)); err != nil {
		log.Printf("[coordinator] send scriptSourceChanged failed: %v", err)
	}
}

// handleWatchAdd is a no-op: user-created files outside an active
// editor-driven node creation are not currently promoted to new
// instances (mapping a bare filesystem add to a structural editor
// create needs properties/class information this daemon doesn't
// have).
func (c *Coordinator) handleWatchAdd(path string) {
	if c.selfWrites.Consume(path) {
		return
	}
	log.Printf("[coordinator] ignoring externally added file %s (no editor-side create path)", path)
}

func (c *Coordinator) handleWatchUnlink(path string) {
	if c.selfWrites.Consume(path) {
		return
	}
	guid, ok := c.writer.GuidForPath(path)
	if !ok {
		return
	}
	removed := c.tree.DeleteInstance(guid)
	if err := c.transport.Send(codec.NewInstanceDeleted(guid)); err != nil {
		log.Printf("[coordinator] send instanceDeleted failed: %v", err)
	}
	if removed != nil {
		root, err := sourcemap.Load(c.cfg.SourcemapPath)
		if err != nil {
			c.regenerateSourcemap()
			return
		}
		if !sourcemap.PrunePath(root, removed.Path, removed.Guid, removed.ClassName) {
			c.regenerateSourcemap()
			return
		}
		sourcemap.Write(root, c.cfg.SourcemapPath)
	}
}
