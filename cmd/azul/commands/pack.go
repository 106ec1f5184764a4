package commands

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ransomwave/azul/internal/pack"
	"github.com/Ransomwave/azul/internal/transport"
)

var packScriptsOnly bool

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Request a property-inclusive snapshot and merge it into sourcemap.json",
	Long: `Waits for the editor to connect, requests a full snapshot including
properties and attributes, and merges the result into the existing
sourcemap.json: existing filePaths are carried over by guid only (a
node without a guid loses them), properties and attributes are
overlaid by guid, then by a (path, className) bucket, and the root is
stamped with _azul metadata.`,
	RunE: runPack,
}

func init() {
	packCmd.Flags().BoolVar(&packScriptsOnly, "scripts-only", false, "limit the snapshot to scripts and their descendants")
	rootCmd.AddCommand(packCmd)
}

func runPack(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	tr := transport.New(fmt.Sprintf(":%d", cfg.Port))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go tr.ListenAndServe(ctx)

	log.Printf("[pack] waiting for editor connection on port %d", cfg.Port)
	opts := pack.Options{
		ScriptsAndDescendantsOnly: packScriptsOnly,
		SourcemapPath:             cfg.SourcemapPath,
	}
	return pack.Run(ctx, tr, opts, time.Now())
}
