// Package wire defines the replication envelope exchanged over a
// message-framed transport: [commandID, payload], encoded as JSON text.
package wire

import (
	"errors"
	"fmt"
	"math"
)

// Commands sent by the authority
const (
	CmdInit     = 0 // batch of full object records
	CmdMethod   = 1 // remote method dispatch
	CmdReturn   = 2 // reply to a dispatched request
	CmdIdentity = 3 // "you are connection X"
	CmdLatency  = 4 // measured round trip, milliseconds
	CmdDestroy  = 5 // object removed
)

// Commands sent by a connecting process
const (
	CmdRequest = 0 // remote method dispatch request
	CmdReply   = 1 // reply to a dispatched method
)

const (
	// MaxMessageSize bounds one received envelope
	MaxMessageSize = 1024 * 1024 // 1MB max message
)

var ErrBadEnvelope = errors.New("malformed envelope")

// ObjectSend is one entry of an init batch.
type ObjectSend struct {
	EncodedObject string `json:"encodedObject"`
	ReferenceList []Ref  `json:"referenceList"`
}

// Ref locates one child object in a reference list.
type Ref struct {
	GroupID  int `json:"groupID"`
	ObjectID int `json:"objectID"`
}

// MethodCall dispatches a remote method in either direction.
type MethodCall struct {
	GroupID  int   `json:"groupID"`
	ObjectID int   `json:"objectID"`
	MethodID int   `json:"methodID"`
	ReturnID int   `json:"returnID"`
	Args     []any `json:"args"`
}

// Return answers a MethodCall. Error is set when the call failed remotely.
type Return struct {
	ID    int    `json:"id"`
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// Destroy announces that an object left the authority.
type Destroy struct {
	GroupID  int `json:"groupID"`
	ObjectID int `json:"objectID"`
}

// Envelope builds the value that is encoded for one message.
func Envelope(cmd int, payload any) []any {
	return []any{cmd, payload}
}

// Split takes a decoded envelope apart.
func Split(v any) (int, any, error) {
	list, ok := v.([]any)
	if !ok || len(list) != 2 {
		return 0, nil, fmt.Errorf("%w: expected [command, payload]", ErrBadEnvelope)
	}
	cmd, ok := toInt(list[0])
	if !ok {
		return 0, nil, fmt.Errorf("%w: bad command %v", ErrBadEnvelope, list[0])
	}
	return cmd, list[1], nil
}

// ParseInit reads an init batch payload.
func ParseInit(payload any) ([]ObjectSend, error) {
	list, ok := payload.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: init batch is not a list", ErrBadEnvelope)
	}
	out := make([]ObjectSend, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: init entry %d", ErrBadEnvelope, i)
		}
		encoded, ok := m["encodedObject"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: init entry %d has no encodedObject", ErrBadEnvelope, i)
		}
		entry := ObjectSend{EncodedObject: encoded}
		if refs, ok := m["referenceList"].([]any); ok {
			for _, r := range refs {
				rm, ok := r.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("%w: init entry %d reference", ErrBadEnvelope, i)
				}
				group, gok := toInt(rm["groupID"])
				id, iok := toInt(rm["objectID"])
				if !gok || !iok {
					return nil, fmt.Errorf("%w: init entry %d reference", ErrBadEnvelope, i)
				}
				entry.ReferenceList = append(entry.ReferenceList, Ref{GroupID: group, ObjectID: id})
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// ParseMethodCall reads a method dispatch payload. Args are kept as decoded,
// so object references are already resolved.
func ParseMethodCall(payload any) (MethodCall, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return MethodCall{}, fmt.Errorf("%w: method call is not an object", ErrBadEnvelope)
	}
	var call MethodCall
	var err error
	if call.GroupID, err = intField(m, "groupID"); err != nil {
		return MethodCall{}, err
	}
	if call.ObjectID, err = intField(m, "objectID"); err != nil {
		return MethodCall{}, err
	}
	if call.MethodID, err = intField(m, "methodID"); err != nil {
		return MethodCall{}, err
	}
	if call.ReturnID, err = intField(m, "returnID"); err != nil {
		return MethodCall{}, err
	}
	switch args := m["args"].(type) {
	case []any:
		call.Args = args
	case nil:
	default:
		return MethodCall{}, fmt.Errorf("%w: args is not a list", ErrBadEnvelope)
	}
	return call, nil
}

// ParseReturn reads a return payload.
func ParseReturn(payload any) (Return, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return Return{}, fmt.Errorf("%w: return is not an object", ErrBadEnvelope)
	}
	id, err := intField(m, "id")
	if err != nil {
		return Return{}, err
	}
	ret := Return{ID: id, Data: m["data"]}
	if msg, ok := m["error"].(string); ok {
		ret.Error = msg
	}
	return ret, nil
}

// ParseDestroy reads a destroy payload.
func ParseDestroy(payload any) (Destroy, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return Destroy{}, fmt.Errorf("%w: destroy is not an object", ErrBadEnvelope)
	}
	group, err := intField(m, "groupID")
	if err != nil {
		return Destroy{}, err
	}
	id, err := intField(m, "objectID")
	if err != nil {
		return Destroy{}, err
	}
	return Destroy{GroupID: group, ObjectID: id}, nil
}

// ParseNumber reads a numeric payload such as an identity or latency.
func ParseNumber(payload any) (float64, error) {
	f, ok := payload.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: expected a number, got %T", ErrBadEnvelope, payload)
	}
	return f, nil
}

func intField(m map[string]any, key string) (int, error) {
	n, ok := toInt(m[key])
	if !ok {
		return 0, fmt.Errorf("%w: bad %s", ErrBadEnvelope, key)
	}
	return n, nil
}

func toInt(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}
