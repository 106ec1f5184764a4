package pack

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Ransomwave/azul/internal/codec"
	"github.com/Ransomwave/azul/internal/sourcemap"
)

type fakeTransport struct {
	onConnection     func()
	onMessage        func(codec.Message)
	snapshotReqs     int
	lastIncludeProps bool
}

func (f *fakeTransport) RequestSnapshot(includeProperties, scriptsAndDescendantsOnly bool) error {
	f.snapshotReqs++
	f.lastIncludeProps = includeProperties
	return nil
}
func (f *fakeTransport) OnConnection(cb func())          { f.onConnection = cb }
func (f *fakeTransport) OnMessage(cb func(codec.Message)) { f.onMessage = cb }

func strPtr(s string) *string { return &s }

func TestRunRequestsSnapshotAndMergesOnConnect(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	smPath := filepath.Join(dir, "sourcemap.json")

	tr := &fakeTransport{}
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), tr, Options{SourcemapPath: smPath}, now)
	}()

	// give Run a moment to register its callbacks
	time.Sleep(20 * time.Millisecond)
	tr.onConnection()

	props := json.RawMessage(`{"Transparency":0}`)
	tr.onMessage(codec.NewFullSnapshot([]codec.InstanceData{
		{Guid: "rs", ClassName: "ReplicatedStorage", Name: "ReplicatedStorage", Path: []string{"ReplicatedStorage"}},
		{Guid: "util", ClassName: "ModuleScript", Name: "Util", Path: []string{"ReplicatedStorage", "Util"}, ParentGuid: strPtr("rs"), Properties: props},
	}))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not complete")
	}

	if !tr.lastIncludeProps {
		t.Error("RequestSnapshot should have been called with includeProperties=true")
	}

	root, err := sourcemap.Load(smPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(root.Azul) == 0 {
		t.Error("expected _azul metadata to be stamped")
	}
	var meta azulMeta
	json.Unmarshal(root.Azul, &meta)
	if meta.PackVersion != 1 || meta.Mode != "full" {
		t.Errorf("meta = %+v, want PackVersion=1 Mode=full", meta)
	}

	rsNode := root.Children[0]
	if len(rsNode.Children) != 1 || rsNode.Children[0].Name != "Util" {
		t.Fatalf("rsNode.Children = %+v", rsNode.Children)
	}
	var gotProps bytes.Buffer
	if err := json.Compact(&gotProps, rsNode.Children[0].Properties); err != nil {
		t.Fatalf("Compact(Util.Properties) error = %v", err)
	}
	if gotProps.String() != string(props) {
		t.Errorf("Util.Properties = %s, want %s", gotProps.String(), props)
	}
}

func TestRunPreservesExistingFilePathsByGuid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	smPath := filepath.Join(dir, "sourcemap.json")

	existing := &sourcemap.Root{
		Name: "Game", ClassName: "DataModel",
		Children: []*sourcemap.Node{
			{Name: "Util", ClassName: "ModuleScript", Guid: "util", FilePaths: []string{"Util.luau"}},
		},
	}
	if err := sourcemap.Write(existing, smPath); err != nil {
		t.Fatal(err)
	}

	tr := &fakeTransport{}
	now := time.Now().UTC()
	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), tr, Options{SourcemapPath: smPath}, now)
	}()
	time.Sleep(20 * time.Millisecond)
	tr.onConnection()
	tr.onMessage(codec.NewFullSnapshot([]codec.InstanceData{
		{Guid: "util", ClassName: "ModuleScript", Name: "Util", Path: []string{"Util"}},
	}))

	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	root, _ := sourcemap.Load(smPath)
	if len(root.Children) != 1 || len(root.Children[0].FilePaths) != 1 || root.Children[0].FilePaths[0] != "Util.luau" {
		t.Errorf("expected existing FilePaths preserved, got %+v", root.Children)
	}
}

func TestRunAbortsWhenContextCanceled(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	smPath := filepath.Join(dir, "sourcemap.json")
	os.WriteFile(smPath, []byte(`{"name":"Game","className":"DataModel"}`), 0644)

	tr := &fakeTransport{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Run(ctx, tr, Options{SourcemapPath: smPath}, time.Now())
	if err != context.Canceled {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}
