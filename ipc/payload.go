package ipc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"runtime/debug"
)

// Plain JSON cannot distinguish "absent" from "null", cannot hold an
// arbitrary-precision integer, and flattens errors to strings. Values
// crossing the IPC boundary are wrapped in a small tagged envelope so the
// receiving side can rebuild them.

const (
	tagKey       = "$aura"
	tagBigInt    = "bigint"
	tagUndefined = "undefined"
	tagError     = "error"
)

// Absent is the sentinel distinguishing "no value" from an explicit null.
type absent struct{}

// Undefined is the canonical absent value.
var Undefined = absent{}

// WireError is a reconstructable error carried across the IPC boundary.
// It implements error so decoded failures can flow through ordinary
// error returns on the far side.
type WireError struct {
	Name    string `json:"name,omitempty" msgpack:"name,omitempty"`
	Message string `json:"message" msgpack:"message"`
	Stack   string `json:"stack,omitempty" msgpack:"stack,omitempty"`
	Code    int    `json:"code,omitempty" msgpack:"code,omitempty"`
}

// Error implements the error interface.
func (e *WireError) Error() string {
	if e.Name != "" {
		return e.Name + ": " + e.Message
	}
	return e.Message
}

// CaptureError wraps err into a WireError, recording the current stack.
func CaptureError(err error) *WireError {
	if err == nil {
		return nil
	}
	if werr, ok := err.(*WireError); ok {
		return werr
	}
	return &WireError{
		Message: err.Error(),
		Stack:   string(debug.Stack()),
	}
}

// EncodeValue serializes an arbitrary value for transport, preserving
// big integers, the absent sentinel, and errors.
func EncodeValue(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case absent:
		return json.Marshal(map[string]string{tagKey: tagUndefined})
	case *big.Int:
		return json.Marshal(map[string]string{tagKey: tagBigInt, "value": val.String()})
	case *WireError:
		return encodeWireError(val)
	case error:
		return encodeWireError(CaptureError(val))
	default:
		return json.Marshal(v)
	}
}

func encodeWireError(werr *WireError) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		tagKey:    tagError,
		"name":    werr.Name,
		"message": werr.Message,
		"stack":   werr.Stack,
		"code":    werr.Code,
	})
}

// DecodeValue rebuilds a value produced by EncodeValue. Untagged JSON
// decodes to the usual map/slice/float/string/bool forms.
func DecodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return Undefined, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		// Not an object; decode plainly.
		var v any
		if uerr := json.Unmarshal(raw, &v); uerr != nil {
			return nil, fmt.Errorf("ipc: decode value: %w", uerr)
		}
		return v, nil
	}

	tagRaw, ok := probe[tagKey]
	if !ok {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("ipc: decode value: %w", err)
		}
		return v, nil
	}

	var tag string
	if err := json.Unmarshal(tagRaw, &tag); err != nil {
		return nil, fmt.Errorf("ipc: decode value tag: %w", err)
	}

	switch tag {
	case tagUndefined:
		return Undefined, nil
	case tagBigInt:
		var s string
		if err := json.Unmarshal(probe["value"], &s); err != nil {
			return nil, fmt.Errorf("ipc: decode bigint: %w", err)
		}
		n, valid := new(big.Int).SetString(s, 10)
		if !valid {
			return nil, fmt.Errorf("ipc: decode bigint: invalid digits %q", s)
		}
		return n, nil
	case tagError:
		werr := &WireError{}
		decodeField(probe, "name", &werr.Name)
		decodeField(probe, "message", &werr.Message)
		decodeField(probe, "stack", &werr.Stack)
		decodeField(probe, "code", &werr.Code)
		return werr, nil
	default:
		return nil, fmt.Errorf("ipc: unknown value tag %q", tag)
	}
}

func decodeField[T any](probe map[string]json.RawMessage, key string, dst *T) {
	raw, ok := probe[key]
	if !ok {
		return
	}
	// Best effort; a malformed field leaves the zero value.
	_ = json.Unmarshal(raw, dst)
}
