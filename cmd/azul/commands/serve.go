package commands

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Ransomwave/azul/internal/coordinator"
	"github.com/Ransomwave/azul/internal/session"
	"github.com/Ransomwave/azul/internal/transport"
	"github.com/Ransomwave/azul/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the live-sync daemon",
	Long: `Listens for the editor's WebSocket connection, primes the tree from a
full snapshot, and keeps the sync directory and sourcemap.json live-updated
in both directions until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	tr := transport.New(fmt.Sprintf(":%d", cfg.Port))
	w := watcher.New(cfg.SyncDir, cfg.FileWatchDebounce())

	sess, err := session.Open(session.DefaultPath())
	if err != nil {
		log.Printf("[session] could not open session store, continuing without it: %v", err)
		sess = nil
	} else {
		defer sess.Close()
	}

	coordCfg := coordinator.Config{
		SyncDir:                  cfg.SyncDir,
		SourcemapPath:            cfg.SourcemapPath,
		ScriptExtension:          cfg.ScriptExtension,
		DeleteOrphansOnConnect:   cfg.DeleteOrphansOnConnect,
		SuffixModuleScripts:      cfg.SuffixModuleScripts,
		RequestSnapshotOnConnect: true,
	}
	coord := coordinator.New(coordCfg, tr, w)

	if sess != nil {
		primeFromSession(coord, sess, cfg.SyncDir)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			coord.Stop()
			cancel()
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("[serve] shutting down")
		stop()
	}()

	go func() {
		if err := tr.ListenAndServe(ctx); err != nil {
			log.Printf("[serve] transport error: %v", err)
			stop()
		}
	}()

	log.Printf("[serve] listening on port %d, syncing %s", cfg.Port, cfg.SyncDir)
	coord.Run()

	if sess != nil {
		persistToSession(coord, sess)
	}
	return nil
}

// primeFromSession does not seed the live tree (the editor's own
// fullSnapshot remains authoritative) but diffs the last persisted
// snapshot against what's actually in the sync directory right now,
// and removes any file the prior run claimed that the directory no
// longer needs. This scopes the orphan sweep to what changed on disk
// between runs instead of waiting on DeleteOrphansOnConnect's
// full-snapshot-triggered pass.
func primeFromSession(coord *coordinator.Coordinator, sess *session.Store, syncDir string) {
	nodes, err := sess.Load()
	if err != nil {
		log.Printf("[session] load failed: %v", err)
		return
	}
	log.Printf("[session] %d nodes recalled from last run", len(nodes))

	orphans := session.DiffOrphans(nodes, currentFilePaths(syncDir))
	if len(orphans) == 0 {
		return
	}
	w := coord.Writer()
	removed := 0
	for _, fp := range orphans {
		if err := w.DeleteFilePath(fp); err != nil {
			log.Printf("[session] orphan cleanup failed for %s: %v", fp, err)
			continue
		}
		removed++
	}
	log.Printf("[session] removed %d file(s) orphaned since last run", removed)
}

// currentFilePaths walks syncDir and returns the set of files present
// right now, keyed the same way writer.Mapping.FilePath is: relative
// to syncDir, forward-slash.
func currentFilePaths(syncDir string) map[string]bool {
	out := make(map[string]bool)
	filepath.Walk(syncDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(syncDir, path)
		if err != nil {
			return nil
		}
		out[filepath.ToSlash(rel)] = true
		return nil
	})
	return out
}

// persistToSession snapshots the final tree state to the session store
// so the next daemon start can diff against it before the editor's
// first fullSnapshot arrives.
func persistToSession(coord *coordinator.Coordinator, sess *session.Store) {
	t := coord.Tree()
	w := coord.Writer()
	if t == nil || w == nil {
		return
	}

	var snapshots []session.NodeSnapshot
	for _, n := range t.GetAllNodes() {
		fp := ""
		if m := w.Mapping(n.Guid); m != nil {
			fp = m.FilePath
		}
		snapshots = append(snapshots, session.NodeSnapshot{
			Guid:       n.Guid,
			ClassName:  n.ClassName,
			Name:       n.Name,
			Path:       n.Path,
			ParentGuid: n.ParentGuid,
			FilePath:   fp,
		})
	}
	if err := sess.Replace(snapshots); err != nil {
		log.Printf("[session] persist failed: %v", err)
	}
}
