package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNotObject means the frame is not a JSON object; callers treat it as
	// raw terminal input.
	ErrNotObject = errors.New("frame is not a JSON object")
	// ErrInvalidPayload means the frame is a known kind with unusable fields.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Kind is the closed set of inbound message kinds.
type Kind int

const (
	KindUnknown Kind = iota
	KindInput
	KindResize
	KindFS
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return TypeInput
	case KindResize:
		return TypeResize
	case KindFS:
		return TypeFS
	default:
		return "unknown"
	}
}

// Action is the closed set of filesystem RPC actions.
type Action string

const (
	ActionBrowse Action = "browse"
	ActionTree   Action = "tree"
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionCreate Action = "create"
	ActionDelete Action = "delete"
	ActionRename Action = "rename"
)

var validActions = map[Action]bool{
	ActionBrowse: true,
	ActionTree:   true,
	ActionRead:   true,
	ActionWrite:  true,
	ActionCreate: true,
	ActionDelete: true,
	ActionRename: true,
}

// ParseAction maps a wire action name onto the closed Action set.
func ParseAction(s string) (Action, bool) {
	a := Action(s)
	return a, validActions[a]
}

// FSRequest is a filesystem RPC request. Fields not used by an action are
// ignored by it.
type FSRequest struct {
	ID       string  `json:"id"`
	Action   string  `json:"action"`
	Path     string  `json:"path"`
	Depth    *int    `json:"depth,omitempty"`
	Content  *string `json:"content,omitempty"`
	ItemType string  `json:"itemType"`
	OldPath  string  `json:"oldPath"`
	NewPath  string  `json:"newPath"`
}

// ClientMessage is an inbound frame after boundary parsing.
type ClientMessage struct {
	Kind Kind

	// KindInput
	Data string

	// KindResize
	Cols int
	Rows int

	// KindFS. When the request body could not be decoded, FS still carries
	// whatever id/action were readable and Malformed holds the reason.
	FS        *FSRequest
	Malformed error
}

// ParseClientMessage parses a raw frame into a ClientMessage. It returns
// ErrNotObject for frames that are not JSON objects and ErrInvalidPayload
// (wrapped) for input/resize frames with unusable fields. Unknown types come
// back as KindUnknown with a nil error.
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, ErrNotObject
	}

	var typ string
	if v, ok := fields["type"]; ok {
		if err := json.Unmarshal(v, &typ); err != nil {
			return &ClientMessage{Kind: KindUnknown}, nil
		}
	}

	switch typ {
	case TypeInput:
		var p struct {
			Data *string `json:"data"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w for %s: %v", ErrInvalidPayload, typ, err)
		}
		if p.Data == nil {
			return nil, fmt.Errorf("%w: missing 'data' in %s", ErrInvalidPayload, typ)
		}
		return &ClientMessage{Kind: KindInput, Data: *p.Data}, nil

	case TypeResize:
		var p struct {
			Cols float64 `json:"cols"`
			Rows float64 `json:"rows"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w for %s: %v", ErrInvalidPayload, typ, err)
		}
		cols, ok1 := toInt(p.Cols)
		rows, ok2 := toInt(p.Rows)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: non-integer dimensions in %s", ErrInvalidPayload, typ)
		}
		return &ClientMessage{Kind: KindResize, Cols: cols, Rows: rows}, nil

	case TypeFS:
		var req FSRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			loose := &FSRequest{}
			json.Unmarshal(fields["id"], &loose.ID)
			json.Unmarshal(fields["action"], &loose.Action)
			return &ClientMessage{
				Kind:      KindFS,
				FS:        loose,
				Malformed: fmt.Errorf("invalid fs request: %v", err),
			}, nil
		}
		return &ClientMessage{Kind: KindFS, FS: &req}, nil

	default:
		return &ClientMessage{Kind: KindUnknown}, nil
	}
}

func toInt(f float64) (int, bool) {
	if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}
