package commands

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ransomwave/azul/internal/codec"
	"github.com/Ransomwave/azul/internal/sourcemap"
	"github.com/Ransomwave/azul/internal/transport"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push local script edits to the editor",
	Long: `A lighter alternative to build: rather than re-sending the whole
instance tree, push reads sourcemap.json's existing guid/filePath
mappings, reads the current contents of each mapped script, and sends
one scriptSourceChanged message per file to the connected editor.
Structural changes (new or moved files) are not picked up by push; use
build for those.`,
	RunE: runPush,
}

func init() {
	rootCmd.AddCommand(pushCmd)
}

func runPush(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	root, err := sourcemap.Load(cfg.SourcemapPath)
	if err != nil {
		return fmt.Errorf("load sourcemap: %w", err)
	}

	type scriptMapping struct {
		guid     string
		filePath string
	}
	var scripts []scriptMapping
	var walk func(n *sourcemap.Node)
	walk = func(n *sourcemap.Node) {
		if n.Guid != "" && len(n.FilePaths) > 0 {
			scripts = append(scripts, scriptMapping{guid: n.Guid, filePath: n.FilePaths[0]})
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, c := range root.Children {
		walk(c)
	}

	tr := transport.New(fmt.Sprintf(":%d", cfg.Port))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	connected := make(chan struct{}, 1)
	tr.OnConnection(func() {
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	go tr.ListenAndServe(ctx)

	select {
	case <-connected:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for editor to connect")
	}

	sent := 0
	for _, m := range scripts {
		// m.filePath is already cwd-relative (sourcemap filePaths fold
		// syncDir in), so it's read as-is rather than rejoined.
		data, err := os.ReadFile(filepath.FromSlash(m.filePath))
		if err != nil {
			log.Printf("[push] skipping %s: %v", m.filePath, err)
			continue
		}
		if err := tr.Send(codec.NewScriptSourceChanged(m.guid, string(data))); err != nil {
			log.Printf("[push] send failed for %s: %v", m.filePath, err)
			continue
		}
		sent++
	}
	log.Printf("[push] pushed %d of %d mapped scripts", sent, len(scripts))
	return nil
}
