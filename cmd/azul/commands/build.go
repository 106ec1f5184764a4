package commands

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

var fromSourcemap bool

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Send the local tree to the editor as a buildSnapshot",
	Long: `Waits for the editor to connect, then sends a buildSnapshot assembled from
the local sync directory and sourcemap.json. With --from-sourcemap, the
editor connection itself is still required but the instance tree is read
from sourcemap.json alone (no script source is attached), minting a guid
for any node that lacks one.`,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().BoolVar(&fromSourcemap, "from-sourcemap", false, "build the instance tree from sourcemap.json alone, minting guids where absent")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	root, err := sourcemap.Load(cfg.SourcemapPath)
	if err != nil {
		return fmt.Errorf("load sourcemap: %w", err)
	}

	var instances []codec.InstanceData
	if fromSourcemap {
		instances = instancesFromSourcemap(root)
	} else {
		instances, err = instancesFromSyncDir(cfg.SyncDir, root)
		if err != nil {
			return fmt.Errorf("scan sync directory: %w", err)
		}
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

	log.Printf("[build] sending %d instances to editor", len(instances))
	return tr.Send(codec.NewBuildSnapshot(instances))
}

// instancesFromSourcemap flattens the sourcemap tree into InstanceData,
// minting a random 128-bit hex guid for any node lacking one. Minted
// guids are not persisted anywhere; per the source material this is
// explicit non-behavior, left to the editor to assign a durable guid
// on its own next full snapshot.
func instancesFromSourcemap(root *sourcemap.Root) []codec.InstanceData {
	var out []codec.InstanceData
	var walk func(n *sourcemap.Node, path []string, parentGuid string)
	walk = func(n *sourcemap.Node, path []string, parentGuid string) {
		cur := append(append([]string{}, path...), n.Name)
		guid := n.Guid
		if guid == "" {
			guid = mintGuid()
		}
		inst := codec.InstanceData{
			Guid:      guid,
			ClassName: n.ClassName,
			Name:      n.Name,
			Path:      cur,
		}
		if parentGuid != "" {
			pg := parentGuid
			inst.ParentGuid = &pg
		}
		out = append(out, inst)
		for _, c := range n.Children {
			walk(c, cur, guid)
		}
	}
	for _, c := range root.Children {
		walk(c, nil, "")
	}
	return out
}

// instancesFromSyncDir walks the sync directory and attaches the
// guid/className/path shape from the sourcemap to each file found,
// reading its current contents as the instance's source. Files with no
// matching sourcemap entry are skipped; they are not addressable
// without a guid.
func instancesFromSyncDir(syncDir string, root *sourcemap.Root) ([]codec.InstanceData, error) {
	byFilePath := make(map[string]*sourcemap.Node)
	var index func(n *sourcemap.Node, path []string)
	index = func(n *sourcemap.Node, path []string) {
		cur := append(append([]string{}, path...), n.Name)
		for _, fp := range n.FilePaths {
			byFilePath[fp] = n
		}
		for _, c := range n.Children {
			index(c, cur)
		}
	}
	for _, c := range root.Children {
		index(c, nil)
	}

	structural := instancesFromSourcemap(root)
	byGuid := make(map[string]*codec.InstanceData, len(structural))
	for i := range structural {
		byGuid[structural[i].Guid] = &structural[i]
	}

	err := filepath.Walk(syncDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		// sourcemap filePaths are cwd-relative (syncDir already folded
		// in), which is exactly what Walk's own path argument is here.
		node, ok := byFilePath[filepath.ToSlash(path)]
		if !ok {
			return nil
		}
		inst, ok := byGuid[node.Guid]
		if !ok {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		source := string(data)
		inst.Source = &source
		return nil
	})
	if err != nil {
		return nil, err
	}
	return structural, nil
}

func mintGuid() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
