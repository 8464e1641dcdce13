package fsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"termbridge/internal/config"
	"termbridge/internal/protocol"
)

func newTestHandler(t *testing.T) (*Handler, string) {
	t.Helper()
	home := t.TempDir()
	h := New(Options{
		Home:         home,
		ProjectDirs:  config.DefaultProjectDirs,
		Ignore:       config.DefaultIgnore,
		HideDotfiles: true,
		MaxReadBytes: 1024,
	})
	return h, home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func resultFields(t *testing.T, res protocol.FSResult) map[string]any {
	t.Helper()
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return out
}

func intPtr(n int) *int { return &n }

func strPtr(s string) *string { return &s }

func names(es []protocol.Entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Name
	}
	return out
}

func TestWriteThenRead_RoundTrip(t *testing.T) {
	h, _ := newTestHandler(t)
	path := filepath.Join(t.TempDir(), "fresh", "hello.txt")

	w, err := h.Write(path, "hello\n")
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !w.Success || w.Path != path {
		t.Errorf("unexpected write result: %+v", w)
	}

	r, err := h.Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if r.Content != "hello\n" {
		t.Errorf("expected %q, got %q", "hello\n", r.Content)
	}
}

func TestWrite_Overwrites(t *testing.T) {
	h, _ := newTestHandler(t)
	path := filepath.Join(t.TempDir(), "a.txt")
	writeFile(t, path, "old content that is longer")

	if _, err := h.Write(path, "new"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "new" {
		t.Errorf("expected overwrite, got %q", data)
	}
}

func TestRead_SizeCeiling(t *testing.T) {
	h, _ := newTestHandler(t)
	dir := t.TempDir()

	atLimit := filepath.Join(dir, "at.txt")
	writeFile(t, atLimit, strings.Repeat("x", 1024))
	r, err := h.Read(atLimit)
	if err != nil {
		t.Fatalf("expected file at the ceiling to be readable, got %v", err)
	}
	if len(r.Content) != 1024 {
		t.Errorf("expected full content, got %d bytes", len(r.Content))
	}

	over := filepath.Join(dir, "over.txt")
	writeFile(t, over, strings.Repeat("x", 1025))
	res := h.Handle(context.Background(), protocol.FSRequest{ID: "big", Action: "read", Path: over})
	fields := resultFields(t, res)
	if _, ok := fields["error"]; !ok {
		t.Fatalf("expected error for oversize file, got %v", fields)
	}
	if _, ok := fields["content"]; ok {
		t.Error("oversize read must not carry content")
	}
	if _, err := h.Read(over); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}

func TestRead_DefaultCeilingIsFiveMB(t *testing.T) {
	h := New(Options{Home: t.TempDir()})
	dir := t.TempDir()

	below := filepath.Join(dir, "below.bin")
	writeFile(t, below, strings.Repeat("a", 5*1024*1024-1))
	if _, err := h.Read(below); err != nil {
		t.Errorf("expected file just below 5MB to be readable, got %v", err)
	}

	above := filepath.Join(dir, "above.bin")
	writeFile(t, above, strings.Repeat("a", 5*1024*1024+1))
	_, err := h.Read(above)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if !strings.Contains(err.Error(), "5MB") {
		t.Errorf("expected message to name the ceiling, got %q", err.Error())
	}
}

func TestRead_Missing(t *testing.T) {
	h, _ := newTestHandler(t)
	_, err := h.Read(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestTree_DirectoryWalk(t *testing.T) {
	h, _ := newTestHandler(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "b", "c.txt"), "c")

	res, err := h.Tree(context.Background(), dir, 2)
	if err != nil {
		t.Fatalf("Tree failed: %v", err)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(res.Entries))
	}

	// Directories first.
	b := res.Entries[0]
	if b.Name != "b" || b.Type != protocol.EntryDirectory {
		t.Fatalf("expected directory 'b' first, got %+v", b)
	}
	if len(b.Children) != 1 || b.Children[0].Name != "c.txt" || b.Children[0].Type != protocol.EntryFile {
		t.Errorf("expected b to contain c.txt, got %+v", b.Children)
	}
	if b.Children[0].Path != filepath.Join(dir, "b", "c.txt") {
		t.Errorf("expected absolute child path, got %s", b.Children[0].Path)
	}

	a := res.Entries[1]
	if a.Name != "a.txt" || a.Type != protocol.EntryFile {
		t.Errorf("expected file 'a.txt' second, got %+v", a)
	}
}

func TestTree_DepthBound(t *testing.T) {
	h, _ := newTestHandler(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "l1", "l2", "l3", "l4", "deep.txt"), "deep")

	for depth := 0; depth <= 5; depth++ {
		res, err := h.Tree(context.Background(), dir, depth)
		if err != nil {
			t.Fatalf("Tree(depth=%d) failed: %v", depth, err)
		}
		if got := maxDepth(res.Entries); got > depth {
			t.Errorf("Tree(depth=%d) returned entries %d levels deep", depth, got)
		}
		if depth == 0 && len(res.Entries) != 0 {
			t.Errorf("Tree(depth=0) expected empty entries, got %d", len(res.Entries))
		}
	}

	res, _ := h.Tree(context.Background(), dir, 3)
	if got := maxDepth(res.Entries); got != 3 {
		t.Errorf("expected the walk to reach 3 levels, got %d", got)
	}
}

func maxDepth(entries []protocol.TreeEntry) int {
	best := 0
	for _, e := range entries {
		if d := 1 + maxDepth(e.Children); d > best {
			best = d
		}
	}
	return best
}

func TestTree_DefaultDepth(t *testing.T) {
	h, _ := newTestHandler(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "l1", "l2", "l3", "l4", "deep.txt"), "deep")

	res := h.Handle(context.Background(), protocol.FSRequest{ID: "t", Action: "tree", Path: dir})
	tree, ok := res.Body.(protocol.TreeResult)
	if !ok {
		t.Fatalf("expected TreeResult, got %T", res.Body)
	}
	if got := maxDepth(tree.Entries); got != 3 {
		t.Errorf("expected default depth 3, got %d", got)
	}

	res = h.Handle(context.Background(), protocol.FSRequest{ID: "t0", Action: "tree", Path: dir, Depth: intPtr(0)})
	tree = res.Body.(protocol.TreeResult)
	if len(tree.Entries) != 0 {
		t.Errorf("explicit depth 0 should be empty, got %d entries", len(tree.Entries))
	}
}

func TestTree_IgnoreList(t *testing.T) {
	h, _ := newTestHandler(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main.go"), "package main")
	writeFile(t, filepath.Join(dir, ".git", "HEAD"), "ref")
	writeFile(t, filepath.Join(dir, "node_modules", "pkg", "index.js"), "x")
	writeFile(t, filepath.Join(dir, "src", "node_modules", "inner.js"), "x")
	writeFile(t, filepath.Join(dir, "src", ".env"), "SECRET=1")
	writeFile(t, filepath.Join(dir, ".DS_Store"), "")

	res, err := h.Tree(context.Background(), dir, 3)
	if err != nil {
		t.Fatalf("Tree failed: %v", err)
	}

	var walk func([]protocol.TreeEntry)
	walk = func(entries []protocol.TreeEntry) {
		for _, e := range entries {
			if e.Name == ".git" || e.Name == "node_modules" || e.Name == ".env" || e.Name == ".DS_Store" {
				t.Errorf("ignored entry %s present at %s", e.Name, e.Path)
			}
			walk(e.Children)
		}
	}
	walk(res.Entries)

	if len(res.Entries) != 2 {
		t.Errorf("expected src and main.go, got %+v", res.Entries)
	}
}

func TestTree_MissingRoot(t *testing.T) {
	h, _ := newTestHandler(t)
	res := h.Handle(context.Background(), protocol.FSRequest{ID: "m", Action: "tree", Path: filepath.Join(t.TempDir(), "gone")})
	if _, ok := res.Body.(protocol.ErrorResult); !ok {
		t.Fatalf("expected error result, got %T", res.Body)
	}
}

func TestTree_EmptyDirectoryHasChildrenArray(t *testing.T) {
	h, _ := newTestHandler(t)
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "empty"), 0755)

	res := h.Handle(context.Background(), protocol.FSRequest{ID: "e", Action: "tree", Path: dir, Depth: intPtr(1)})
	data, _ := json.Marshal(res)
	if !strings.Contains(string(data), `"children":[]`) {
		t.Errorf("expected empty children array, got %s", data)
	}
}

func TestBrowse_SortAndIgnore(t *testing.T) {
	h, _ := newTestHandler(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.txt"), "")
	writeFile(t, filepath.Join(dir, "A.txt"), "")
	writeFile(t, filepath.Join(dir, ".env"), "")
	os.MkdirAll(filepath.Join(dir, "zeta"), 0755)
	os.MkdirAll(filepath.Join(dir, "Alpha"), 0755)
	os.MkdirAll(filepath.Join(dir, ".git"), 0755)
	os.MkdirAll(filepath.Join(dir, "node_modules"), 0755)

	res, err := h.Browse(context.Background(), dir)
	if err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	want := []string{"Alpha", "zeta", ".env", "A.txt", "b.txt"}
	got := names(res.Entries)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}
	if res.Path == nil || *res.Path != dir {
		t.Errorf("expected path %s, got %v", dir, res.Path)
	}
	if res.Parent == nil || *res.Parent != filepath.Dir(dir) {
		t.Errorf("expected parent %s, got %v", filepath.Dir(dir), res.Parent)
	}
}

func TestBrowse_RootHasNullParent(t *testing.T) {
	h, _ := newTestHandler(t)
	res, err := h.Browse(context.Background(), "/")
	if err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	if res.Parent != nil {
		t.Errorf("expected nil parent for /, got %s", *res.Parent)
	}
}

func TestBrowse_Roots(t *testing.T) {
	h, home := newTestHandler(t)
	os.MkdirAll(filepath.Join(home, "Projects"), 0755)
	os.MkdirAll(filepath.Join(home, "code"), 0755)
	writeFile(t, filepath.Join(home, "dev"), "not a directory")

	res := h.Handle(context.Background(), protocol.FSRequest{ID: "roots", Action: "browse"})
	fields := resultFields(t, res)
	if fields["path"] != nil {
		t.Errorf("expected null path, got %v", fields["path"])
	}
	if fields["home"] != home {
		t.Errorf("expected home %s, got %v", home, fields["home"])
	}

	br := res.Body.(protocol.BrowseResult)
	want := []string{"Home", "/", "Projects", "code"}
	if strings.Join(names(br.Entries), ",") != strings.Join(want, ",") {
		t.Errorf("expected roots %v, got %v", want, names(br.Entries))
	}
}

func TestCreate_File(t *testing.T) {
	h, _ := newTestHandler(t)
	path := filepath.Join(t.TempDir(), "nested", "new.txt")

	res, err := h.Create(path, "file")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !res.Success || res.ItemType != protocol.EntryFile {
		t.Errorf("unexpected result: %+v", res)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() != 0 {
		t.Errorf("expected empty file, stat err=%v", err)
	}
}

func TestCreate_Directory(t *testing.T) {
	h, _ := newTestHandler(t)
	path := filepath.Join(t.TempDir(), "x", "y", "z")

	if _, err := h.Create(path, "directory"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		t.Errorf("expected directory, err=%v", err)
	}
}

func TestCreate_DoesNotClobber(t *testing.T) {
	h, _ := newTestHandler(t)
	path := filepath.Join(t.TempDir(), "keep.txt")
	writeFile(t, path, "precious")

	for _, itemType := range []string{"file", "directory"} {
		res := h.Handle(context.Background(), protocol.FSRequest{ID: "c", Action: "create", Path: path, ItemType: itemType})
		if _, ok := res.Body.(protocol.ErrorResult); !ok {
			t.Errorf("create %s over existing file: expected error, got %+v", itemType, res.Body)
		}
	}
	data, _ := os.ReadFile(path)
	if string(data) != "precious" {
		t.Errorf("existing content modified: %q", data)
	}
}

func TestCreate_InvalidItemType(t *testing.T) {
	h, _ := newTestHandler(t)
	_, err := h.Create(filepath.Join(t.TempDir(), "x"), "symlink")
	if !errors.Is(err, ErrInvalidItemType) {
		t.Errorf("expected ErrInvalidItemType, got %v", err)
	}
}

func TestDelete_Recursive(t *testing.T) {
	h, _ := newTestHandler(t)
	dir := filepath.Join(t.TempDir(), "doomed")
	writeFile(t, filepath.Join(dir, "a", "b.txt"), "b")

	if _, err := h.Delete(dir); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected directory removed, stat err=%v", err)
	}
}

func TestDelete_MissingIsNotAnError(t *testing.T) {
	h, _ := newTestHandler(t)
	res, err := h.Delete(filepath.Join(t.TempDir(), "already-gone"))
	if err != nil {
		t.Fatalf("expected idempotent delete, got %v", err)
	}
	if !res.Success {
		t.Error("expected success")
	}
}

func TestDelete_RefusesRootAndHome(t *testing.T) {
	h, home := newTestHandler(t)
	for _, p := range []string{"/", "//", "/tmp/..", home, home + "/", home + "/./"} {
		_, err := h.Delete(p)
		if !errors.Is(err, ErrProtectedPath) {
			t.Errorf("Delete(%q): expected ErrProtectedPath, got %v", p, err)
		}
	}
	if _, err := os.Stat(home); err != nil {
		t.Errorf("home must survive: %v", err)
	}
}

func TestRename_Moves(t *testing.T) {
	h, _ := newTestHandler(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "deeper", "dst.txt")
	writeFile(t, src, "payload")

	res, err := h.Rename(src, dst)
	if err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if !res.Success || res.OldPath != src || res.NewPath != dst {
		t.Errorf("unexpected result: %+v", res)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "payload" {
		t.Errorf("expected moved content, got %q err=%v", data, err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("expected source to be gone")
	}
}

func TestRename_DoesNotClobber(t *testing.T) {
	h, _ := newTestHandler(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	writeFile(t, src, "source")
	writeFile(t, dst, "destination")

	res := h.Handle(context.Background(), protocol.FSRequest{ID: "r", Action: "rename", OldPath: src, NewPath: dst})
	if _, ok := res.Body.(protocol.ErrorResult); !ok {
		t.Fatalf("expected error result, got %+v", res.Body)
	}

	if data, _ := os.ReadFile(src); string(data) != "source" {
		t.Errorf("source modified: %q", data)
	}
	if data, _ := os.ReadFile(dst); string(data) != "destination" {
		t.Errorf("destination modified: %q", data)
	}
}

func TestRename_MissingSource(t *testing.T) {
	h, _ := newTestHandler(t)
	dir := t.TempDir()
	_, err := h.Rename(filepath.Join(dir, "nope"), filepath.Join(dir, "dst"))
	if !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("expected ErrSourceNotFound, got %v", err)
	}
}

func TestHandle_EchoesID(t *testing.T) {
	h, _ := newTestHandler(t)
	dir := t.TempDir()
	reqs := []protocol.FSRequest{
		{ID: "1", Action: "browse", Path: dir},
		{ID: "2", Action: "tree", Path: dir},
		{ID: "3", Action: "read", Path: filepath.Join(dir, "missing")},
		{ID: "4", Action: "write", Path: filepath.Join(dir, "w.txt"), Content: strPtr("x")},
		{ID: "5", Action: "create", Path: filepath.Join(dir, "c"), ItemType: "directory"},
		{ID: "6", Action: "delete", Path: filepath.Join(dir, "c")},
		{ID: "7", Action: "rename", OldPath: filepath.Join(dir, "w.txt"), NewPath: filepath.Join(dir, "v.txt")},
		{ID: "8", Action: "chmod"},
	}
	for _, req := range reqs {
		fields := resultFields(t, h.Handle(context.Background(), req))
		if fields["id"] != req.ID {
			t.Errorf("action %s: expected id %s, got %v", req.Action, req.ID, fields["id"])
		}
		if fields["type"] != protocol.TypeFSResult {
			t.Errorf("action %s: expected fs-result type, got %v", req.Action, fields["type"])
		}
	}
}

func TestHandle_UnknownAction(t *testing.T) {
	h, _ := newTestHandler(t)
	fields := resultFields(t, h.Handle(context.Background(), protocol.FSRequest{ID: "u", Action: "chmod"}))
	if fields["error"] != "Unknown action: chmod" {
		t.Errorf("unexpected error: %v", fields["error"])
	}
}

func TestRequireAbsolute(t *testing.T) {
	h, _ := newTestHandler(t)
	strict := h.WithRequireAbsolute()

	if _, err := strict.Read("relative/file.txt"); !errors.Is(err, ErrNotAbsolute) {
		t.Errorf("expected ErrNotAbsolute, got %v", err)
	}
	if _, err := strict.Rename("/abs", "rel"); !errors.Is(err, ErrNotAbsolute) {
		t.Errorf("expected ErrNotAbsolute for rename, got %v", err)
	}
	// The original handler is unaffected.
	if _, err := h.Read("relative/file.txt"); errors.Is(err, ErrNotAbsolute) {
		t.Error("lenient handler must not require absolute paths")
	}
}

func TestIgnoreSet(t *testing.T) {
	set := NewIgnoreSet([]string{".git", "node_modules"}, true)
	tests := []struct {
		name   string
		listed bool
		walked bool
	}{
		{"main.go", true, true},
		{".git", false, false},
		{"node_modules", false, false},
		{".env", true, false},
		{"", true, true},
	}
	for _, tt := range tests {
		if got := set.Listed(tt.name); got != tt.listed {
			t.Errorf("Listed(%q) = %v, want %v", tt.name, got, tt.listed)
		}
		if got := set.Walked(tt.name); got != tt.walked {
			t.Errorf("Walked(%q) = %v, want %v", tt.name, got, tt.walked)
		}
	}
}
