package fsrpc

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"termbridge/internal/protocol"
)

// IgnoreSet holds names excluded from listings.
type IgnoreSet struct {
	names        map[string]struct{}
	hideDotfiles bool
}

// NewIgnoreSet builds an IgnoreSet. hideDotfiles additionally drops every
// name starting with a dot, which tree and the watcher apply but browse does
// not.
func NewIgnoreSet(names []string, hideDotfiles bool) IgnoreSet {
	set := IgnoreSet{names: make(map[string]struct{}, len(names)), hideDotfiles: hideDotfiles}
	for _, n := range names {
		set.names[n] = struct{}{}
	}
	return set
}

// Listed reports whether a browse listing shows name.
func (s IgnoreSet) Listed(name string) bool {
	_, ignored := s.names[name]
	return !ignored
}

// Walked reports whether tree walks and the watcher include name.
func (s IgnoreSet) Walked(name string) bool {
	if !s.Listed(name) {
		return false
	}
	return !(s.hideDotfiles && isHidden(name))
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}

// listDir returns the directories and regular files of dir accepted by keep,
// directories first and then byte-wise by name.
func listDir(dir string, keep func(string) bool) ([]protocol.Entry, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	entries := make([]protocol.Entry, 0, len(dirents))
	for _, d := range dirents {
		name := d.Name()
		if !keep(name) {
			continue
		}
		var typ protocol.EntryType
		switch {
		case d.IsDir():
			typ = protocol.EntryDirectory
		case d.Type().IsRegular():
			typ = protocol.EntryFile
		default:
			continue // symlinks, sockets, devices
		}
		entries = append(entries, protocol.Entry{
			Name: name,
			Path: filepath.Join(dir, name),
			Type: typ,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Type != b.Type {
			return a.Type == protocol.EntryDirectory
		}
		return strings.Compare(a.Name, b.Name) < 0
	})
	return entries, nil
}

// BuildTree walks dir to depth levels and returns an owned tree. depth <= 0
// yields an empty list. Only an unreadable dir itself is an error; unreadable
// subdirectories get empty children. The walk stops early once ctx is done.
func BuildTree(ctx context.Context, dir string, depth int, ignore IgnoreSet) ([]protocol.TreeEntry, error) {
	if depth <= 0 {
		return []protocol.TreeEntry{}, nil
	}
	entries, err := listDir(dir, ignore.Walked)
	if err != nil {
		return nil, err
	}
	return buildLevel(ctx, entries, depth, ignore), nil
}

func buildLevel(ctx context.Context, entries []protocol.Entry, depth int, ignore IgnoreSet) []protocol.TreeEntry {
	nodes := make([]protocol.TreeEntry, 0, len(entries))
	for _, e := range entries {
		node := protocol.TreeEntry{Name: e.Name, Path: e.Path, Type: e.Type}
		if e.Type == protocol.EntryDirectory {
			node.Children = []protocol.TreeEntry{}
			if depth > 1 && ctx.Err() == nil {
				if sub, err := listDir(e.Path, ignore.Walked); err == nil {
					node.Children = buildLevel(ctx, sub, depth-1, ignore)
				}
			}
		}
		nodes = append(nodes, node)
	}
	return nodes
}
