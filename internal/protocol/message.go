package protocol

import (
	"encoding/json"
	"fmt"
)

// Server → Client message types.
const (
	TypeOutput   = "output"
	TypeFSResult = "fs-result"
	TypeFSChange = "fs-change"
)

// Client → Server message types.
const (
	TypeInput  = "input"
	TypeResize = "resize"
	TypeFS     = "fs"
)

// OutputMessage carries a chunk of PTY output.
type OutputMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// NewOutput encodes a PTY output chunk.
func NewOutput(data []byte) ([]byte, error) {
	return json.Marshal(OutputMessage{Type: TypeOutput, Data: string(data)})
}

// FSChangeMessage notifies a client that directories under its workspace changed.
type FSChangeMessage struct {
	Type  string   `json:"type"`
	Paths []string `json:"paths"`
}

// NewFSChange encodes a workspace change notification.
func NewFSChange(paths []string) ([]byte, error) {
	if paths == nil {
		paths = []string{}
	}
	return json.Marshal(FSChangeMessage{Type: TypeFSChange, Paths: paths})
}

// FSResult is the envelope for every filesystem RPC response. Body is one of
// the *Result types below (or ErrorResult); its fields are flattened next to
// type and id on the wire.
type FSResult struct {
	ID   string
	Body any
}

type fsResultHeader struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// MarshalJSON flattens Body into the envelope object.
func (r FSResult) MarshalJSON() ([]byte, error) {
	head, err := json.Marshal(fsResultHeader{Type: TypeFSResult, ID: r.ID})
	if err != nil {
		return nil, err
	}
	if r.Body == nil {
		return head, nil
	}
	body, err := json.Marshal(r.Body)
	if err != nil {
		return nil, fmt.Errorf("marshal fs result body: %w", err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("fs result body must encode to an object, got %s", body)
	}
	if len(body) == 2 {
		return head, nil
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// ErrorResult is the body of a failed filesystem RPC.
type ErrorResult struct {
	Error string `json:"error"`
}

// EntryType distinguishes files from directories in listings.
type EntryType string

const (
	EntryFile      EntryType = "file"
	EntryDirectory EntryType = "directory"
)

// Entry is one row of a browse listing.
type Entry struct {
	Name string    `json:"name"`
	Path string    `json:"path"`
	Type EntryType `json:"type"`
}

// TreeEntry is a recursive directory listing node. Directories always encode
// a children array, possibly empty; files never do.
type TreeEntry struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     EntryType   `json:"type"`
	Children []TreeEntry `json:"children,omitempty"`
}

type treeEntryJSON struct {
	Name     string       `json:"name"`
	Path     string       `json:"path"`
	Type     EntryType    `json:"type"`
	Children *[]TreeEntry `json:"children,omitempty"`
}

func (e TreeEntry) MarshalJSON() ([]byte, error) {
	out := treeEntryJSON{Name: e.Name, Path: e.Path, Type: e.Type}
	if e.Type == EntryDirectory {
		children := e.Children
		if children == nil {
			children = []TreeEntry{}
		}
		out.Children = &children
	}
	return json.Marshal(out)
}

// BrowseResult lists one directory, or the curated roots when Path is nil.
type BrowseResult struct {
	Path    *string `json:"path"`
	Parent  *string `json:"parent"`
	Entries []Entry `json:"entries"`
	Home    string  `json:"home,omitempty"`
}

// TreeResult is the depth-bounded walk below Path.
type TreeResult struct {
	Path    string      `json:"path"`
	Entries []TreeEntry `json:"entries"`
}

// ReadResult carries a file's full content.
type ReadResult struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteResult acknowledges a write.
type WriteResult struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
}

// CreateResult acknowledges a new file or directory.
type CreateResult struct {
	Success  bool      `json:"success"`
	Path     string    `json:"path"`
	ItemType EntryType `json:"itemType"`
}

// DeleteResult acknowledges a delete, including one of a missing path.
type DeleteResult struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
}

// RenameResult acknowledges a move.
type RenameResult struct {
	Success bool   `json:"success"`
	OldPath string `json:"oldPath"`
	NewPath string `json:"newPath"`
}
