package tree

import (
	"strings"
	"testing"

	"github.com/Ransomwave/azul/internal/codec"
	"github.com/Ransomwave/azul/internal/errs"
)

func strPtr(s string) *string { return &s }

func TestApplyFullSnapshotServicesAttachToRoot(t *testing.T) {
	t.Parallel()
	tr := New()
	issues := tr.ApplyFullSnapshot([]codec.InstanceData{
		{Guid: "ws", ClassName: "Workspace", Name: "Workspace", Path: []string{"Workspace"}},
		{Guid: "rs", ClassName: "ReplicatedStorage", Name: "ReplicatedStorage", Path: []string{"ReplicatedStorage"}},
	})
	if len(issues) != 0 {
		t.Fatalf("ApplyFullSnapshot() issues = %v, want none", issues)
	}

	root := tr.GetNode(RootGuid)
	if root == nil {
		t.Fatal("synthetic root should exist after snapshot")
	}
	if len(root.Children) != 2 {
		t.Errorf("root.Children = %d, want 2", len(root.Children))
	}
}

func TestApplyFullSnapshotNestedByPath(t *testing.T) {
	t.Parallel()
	tr := New()
	tr.ApplyFullSnapshot([]codec.InstanceData{
		{Guid: "rs", ClassName: "ReplicatedStorage", Name: "ReplicatedStorage", Path: []string{"ReplicatedStorage"}},
		{Guid: "util", ClassName: "ModuleScript", Name: "Util", Path: []string{"ReplicatedStorage", "Util"}, Source: strPtr("return {}")},
	})

	util := tr.GetNode("util")
	if util == nil {
		t.Fatal("util node should exist")
	}
	if !util.HasParent || util.ParentGuid != "rs" {
		t.Errorf("util.ParentGuid = %q, want rs", util.ParentGuid)
	}
	rs := tr.GetNode("rs")
	if _, ok := rs.Children["util"]; !ok {
		t.Error("rs.Children should contain util")
	}
}

func TestApplyFullSnapshotMissingParentIsInconsistency(t *testing.T) {
	t.Parallel()
	tr := New()
	issues := tr.ApplyFullSnapshot([]codec.InstanceData{
		{Guid: "orphan", ClassName: "ModuleScript", Name: "Orphan", Path: []string{"Nowhere", "Orphan"}},
	})
	if len(issues) != 1 {
		t.Fatalf("ApplyFullSnapshot() issues = %d, want 1", len(issues))
	}
	var ti *errs.TreeInconsistency
	if !asTreeInconsistency(issues[0], &ti) {
		t.Fatalf("issue type = %T, want *errs.TreeInconsistency", issues[0])
	}
}

func asTreeInconsistency(err error, target **errs.TreeInconsistency) bool {
	ti, ok := err.(*errs.TreeInconsistency)
	if ok {
		*target = ti
	}
	return ok
}

func TestUpdateInstanceInsertIsNew(t *testing.T) {
	t.Parallel()
	tr := New()
	tr.ApplyFullSnapshot([]codec.InstanceData{
		{Guid: "ws", ClassName: "Workspace", Name: "Workspace", Path: []string{"Workspace"}},
	})

	result, err := tr.UpdateInstance(codec.InstanceData{
		Guid: "aaaa", ClassName: "Folder", Name: "Stuff",
		Path: []string{"Workspace", "Stuff"}, ParentGuid: strPtr("ws"),
	})
	if err != nil {
		t.Fatalf("UpdateInstance() error = %v", err)
	}
	if !result.IsNew {
		t.Error("UpdateInstance() on unseen guid should report IsNew")
	}
	if result.Node.ParentGuid != "ws" {
		t.Errorf("Node.ParentGuid = %q, want ws", result.Node.ParentGuid)
	}
}

func TestUpdateInstanceRename(t *testing.T) {
	t.Parallel()
	tr := New()
	tr.ApplyFullSnapshot([]codec.InstanceData{
		{Guid: "rs", ClassName: "ReplicatedStorage", Name: "ReplicatedStorage", Path: []string{"ReplicatedStorage"}},
		{Guid: "util", ClassName: "ModuleScript", Name: "Util", Path: []string{"ReplicatedStorage", "Util"}, Source: strPtr("return {}")},
	})

	result, err := tr.UpdateInstance(codec.InstanceData{
		Guid: "util", ClassName: "ModuleScript", Name: "Helper",
		Path: []string{"ReplicatedStorage", "Helper"}, ParentGuid: strPtr("rs"),
	})
	if err != nil {
		t.Fatalf("UpdateInstance() error = %v", err)
	}
	if !result.NameChanged || !result.PathChanged {
		t.Errorf("UpdateInstance() rename should report NameChanged and PathChanged, got %+v", result)
	}
	if strings.Join(result.PrevPath, "/") != "ReplicatedStorage/Util" {
		t.Errorf("PrevPath = %v, want [ReplicatedStorage Util]", result.PrevPath)
	}

	node := tr.GetNode("util")
	if node.Name != "Helper" {
		t.Errorf("node.Name = %q, want Helper", node.Name)
	}
	if strings.Join(node.Path, "/") != "ReplicatedStorage/Helper" {
		t.Errorf("node.Path = %v, want [ReplicatedStorage Helper]", node.Path)
	}

	// Old path should no longer resolve; new path should.
	if tr.lookupByPath([]string{"ReplicatedStorage", "Util"}) != nil {
		t.Error("old path should be unregistered after rename")
	}
	if tr.lookupByPath([]string{"ReplicatedStorage", "Helper"}) == nil {
		t.Error("new path should be registered after rename")
	}
}

func TestUpdateInstanceMoveRecalculatesDescendantPaths(t *testing.T) {
	t.Parallel()
	tr := New()
	tr.ApplyFullSnapshot([]codec.InstanceData{
		{Guid: "rs", ClassName: "ReplicatedStorage", Name: "ReplicatedStorage", Path: []string{"ReplicatedStorage"}},
		{Guid: "ws", ClassName: "Workspace", Name: "Workspace", Path: []string{"Workspace"}},
		{Guid: "folder", ClassName: "Folder", Name: "Folder", Path: []string{"ReplicatedStorage", "Folder"}, ParentGuid: strPtr("rs")},
		{Guid: "child", ClassName: "ModuleScript", Name: "Child", Path: []string{"ReplicatedStorage", "Folder", "Child"}, ParentGuid: strPtr("folder"), Source: strPtr("return 1")},
	})

	_, err := tr.UpdateInstance(codec.InstanceData{
		Guid: "folder", ClassName: "Folder", Name: "Folder",
		Path: []string{"Workspace", "Folder"}, ParentGuid: strPtr("ws"),
	})
	if err != nil {
		t.Fatalf("UpdateInstance() error = %v", err)
	}

	child := tr.GetNode("child")
	if strings.Join(child.Path, "/") != "Workspace/Folder/Child" {
		t.Errorf("child.Path = %v, want [Workspace Folder Child]", child.Path)
	}
	if tr.lookupByPath([]string{"Workspace", "Folder", "Child"}) == nil {
		t.Error("child should be registered at its new path")
	}
}

func TestUpdateInstanceSourceOnlyDoesNotReparent(t *testing.T) {
	t.Parallel()
	tr := New()
	tr.ApplyFullSnapshot([]codec.InstanceData{
		{Guid: "rs", ClassName: "ReplicatedStorage", Name: "ReplicatedStorage", Path: []string{"ReplicatedStorage"}},
		{Guid: "util", ClassName: "ModuleScript", Name: "Util", Path: []string{"ReplicatedStorage", "Util"}, Source: strPtr("return {}")},
	})

	result, err := tr.UpdateInstance(codec.InstanceData{
		Guid: "util", ClassName: "ModuleScript", Name: "Util",
		Path: []string{"ReplicatedStorage", "Util"}, ParentGuid: strPtr("rs"),
		Source: strPtr("return {1,2,3}"),
	})
	if err != nil {
		t.Fatalf("UpdateInstance() error = %v", err)
	}
	if result.PathChanged || result.NameChanged || result.ParentChanged {
		t.Errorf("source-only update should report no structural change, got %+v", result)
	}
	if *tr.GetNode("util").Source != "return {1,2,3}" {
		t.Errorf("source should update, got %q", *tr.GetNode("util").Source)
	}
}

func TestDeleteInstanceRemovesSubtree(t *testing.T) {
	t.Parallel()
	tr := New()
	tr.ApplyFullSnapshot([]codec.InstanceData{
		{Guid: "rs", ClassName: "ReplicatedStorage", Name: "ReplicatedStorage", Path: []string{"ReplicatedStorage"}},
		{Guid: "folder", ClassName: "Folder", Name: "Folder", Path: []string{"ReplicatedStorage", "Folder"}, ParentGuid: strPtr("rs")},
		{Guid: "child", ClassName: "ModuleScript", Name: "Child", Path: []string{"ReplicatedStorage", "Folder", "Child"}, ParentGuid: strPtr("folder"), Source: strPtr("return 1")},
	})

	removed := tr.DeleteInstance("folder")
	if removed == nil {
		t.Fatal("DeleteInstance() should return removed node")
	}
	if tr.GetNode("folder") != nil || tr.GetNode("child") != nil {
		t.Error("DeleteInstance() should remove the whole subtree")
	}
	rs := tr.GetNode("rs")
	if _, ok := rs.Children["folder"]; ok {
		t.Error("parent should no longer reference deleted child")
	}
	if tr.lookupByPath([]string{"ReplicatedStorage", "Folder", "Child"}) != nil {
		t.Error("path index should no longer resolve deleted descendant")
	}
}

func TestDeleteInstanceUnknownGuidIsNoop(t *testing.T) {
	t.Parallel()
	tr := New()
	if tr.DeleteInstance("nope") != nil {
		t.Error("DeleteInstance() on unknown guid should return nil")
	}
}

func TestSameNameSiblingsNotMerged(t *testing.T) {
	t.Parallel()
	tr := New()
	tr.ApplyFullSnapshot([]codec.InstanceData{
		{Guid: "rs", ClassName: "ReplicatedStorage", Name: "ReplicatedStorage", Path: []string{"ReplicatedStorage"}},
		{Guid: "shared1", ClassName: "ModuleScript", Name: "Shared", Path: []string{"ReplicatedStorage", "Shared"}, ParentGuid: strPtr("rs"), Source: strPtr("return 1")},
		{Guid: "shared2", ClassName: "ModuleScript", Name: "Shared", Path: []string{"ReplicatedStorage", "Shared"}, ParentGuid: strPtr("rs"), Source: strPtr("return 2")},
	})

	if tr.GetNode("shared1") == nil || tr.GetNode("shared2") == nil {
		t.Fatal("both same-name siblings should exist")
	}
	// Ambiguous path lookup must refuse to pick one.
	if tr.lookupByPath([]string{"ReplicatedStorage", "Shared"}) != nil {
		t.Error("lookupByPath with same-name siblings should return nil")
	}
}

func TestUpdateScriptSource(t *testing.T) {
	t.Parallel()
	tr := New()
	tr.ApplyFullSnapshot([]codec.InstanceData{
		{Guid: "util", ClassName: "ModuleScript", Name: "Util", Path: []string{"Util"}, Source: strPtr("old")},
	})

	if !tr.UpdateScriptSource("util", "new") {
		t.Fatal("UpdateScriptSource() should return true for existing guid")
	}
	if *tr.GetNode("util").Source != "new" {
		t.Error("source should be updated")
	}
	if tr.UpdateScriptSource("missing", "x") {
		t.Error("UpdateScriptSource() should return false for unknown guid")
	}
}

func TestGetDescendantScripts(t *testing.T) {
	t.Parallel()
	tr := New()
	tr.ApplyFullSnapshot([]codec.InstanceData{
		{Guid: "rs", ClassName: "ReplicatedStorage", Name: "ReplicatedStorage", Path: []string{"ReplicatedStorage"}},
		{Guid: "folder", ClassName: "Folder", Name: "Folder", Path: []string{"ReplicatedStorage", "Folder"}, ParentGuid: strPtr("rs")},
		{Guid: "a", ClassName: "ModuleScript", Name: "A", Path: []string{"ReplicatedStorage", "Folder", "A"}, ParentGuid: strPtr("folder"), Source: strPtr("1")},
		{Guid: "b", ClassName: "Script", Name: "B", Path: []string{"ReplicatedStorage", "Folder", "B"}, ParentGuid: strPtr("folder"), Source: strPtr("2")},
	})

	scripts := tr.GetDescendantScripts("rs")
	if len(scripts) != 2 {
		t.Fatalf("GetDescendantScripts() = %d, want 2", len(scripts))
	}
}

func TestGetStats(t *testing.T) {
	t.Parallel()
	tr := New()
	tr.ApplyFullSnapshot([]codec.InstanceData{
		{Guid: "rs", ClassName: "ReplicatedStorage", Name: "ReplicatedStorage", Path: []string{"ReplicatedStorage"}},
		{Guid: "util", ClassName: "ModuleScript", Name: "Util", Path: []string{"ReplicatedStorage", "Util"}, ParentGuid: strPtr("rs"), Source: strPtr("1")},
	})
	stats := tr.GetStats()
	if stats.TotalNodes != 2 {
		t.Errorf("TotalNodes = %d, want 2", stats.TotalNodes)
	}
	if stats.ScriptNodes != 1 {
		t.Errorf("ScriptNodes = %d, want 1", stats.ScriptNodes)
	}
	if stats.MaxDepth != 2 {
		t.Errorf("MaxDepth = %d, want 2", stats.MaxDepth)
	}
}

func TestApplyFullSnapshotTwiceIsIdempotent(t *testing.T) {
	t.Parallel()
	instances := []codec.InstanceData{
		{Guid: "rs", ClassName: "ReplicatedStorage", Name: "ReplicatedStorage", Path: []string{"ReplicatedStorage"}},
		{Guid: "util", ClassName: "ModuleScript", Name: "Util", Path: []string{"ReplicatedStorage", "Util"}, ParentGuid: strPtr("rs"), Source: strPtr("1")},
	}
	tr1 := New()
	tr1.ApplyFullSnapshot(instances)
	tr2 := New()
	tr2.ApplyFullSnapshot(instances)
	tr2.ApplyFullSnapshot(instances)

	s1, s2 := tr1.GetStats(), tr2.GetStats()
	if s1 != s2 {
		t.Errorf("applying twice should equal applying once, got %+v vs %+v", s1, s2)
	}
}
