package rpc

import (
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame is a decoded MessagePack-RPC message, one of request, response, or
// notification, per §3/§6 of the wire protocol.
type Frame struct {
	Type   int // 0 request, 1 response, 2 notification
	MsgID  uint32
	Method string
	Params []any
	Error  *wireError
	Result any
}

// encodeRequest packs a [0, msgid, method, params] array.
func encodeRequest(enc *msgpack.Encoder, msgid uint32, method string, params []any) error {
	return enc.Encode([]any{0, msgid, method, params})
}

// encodeResponse packs a [1, msgid, error, result] array.
func encodeResponse(enc *msgpack.Encoder, msgid uint32, we *wireError, result any) error {
	var errVal any
	if we != nil {
		errVal = []any{we.Code, we.Msg}
	}
	return enc.Encode([]any{1, msgid, errVal, result})
}

// encodeNotification packs a [2, method, params] array.
func encodeNotification(enc *msgpack.Encoder, method string, params []any) error {
	return enc.Encode([]any{2, method, params})
}

// decodeFrame reads the next complete MessagePack-RPC frame from dec,
// validating the three array shapes from §3. It returns io.EOF when the
// stream is closed cleanly.
func decodeFrame(dec *msgpack.Decoder) (*Frame, error) {
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("rpc: empty frame")
	}

	msgType, err := toInt(raw[0])
	if err != nil {
		return nil, fmt.Errorf("rpc: invalid frame type: %w", err)
	}

	switch msgType {
	case 0: // request: [0, msgid, method, params]
		if len(raw) != 4 {
			return nil, fmt.Errorf("rpc: invalid request: expected length 4, got %d", len(raw))
		}
		msgid, err := toUint32(raw[1])
		if err != nil {
			return nil, fmt.Errorf("rpc: invalid request msgid: %w", err)
		}
		method, err := toMethod(raw[2])
		if err != nil {
			return nil, err
		}
		params, err := toParams(raw[3])
		if err != nil {
			return nil, err
		}
		return &Frame{Type: 0, MsgID: msgid, Method: method, Params: params}, nil

	case 1: // response: [1, msgid, error, result]
		if len(raw) != 4 {
			return nil, fmt.Errorf("rpc: invalid response: expected length 4, got %d", len(raw))
		}
		msgid, err := toUint32(raw[1])
		if err != nil {
			return nil, fmt.Errorf("rpc: invalid response msgid: %w", err)
		}
		we, err := toWireError(raw[2])
		if err != nil {
			return nil, err
		}
		return &Frame{Type: 1, MsgID: msgid, Error: we, Result: raw[3]}, nil

	case 2: // notification: [2, method, params]
		if len(raw) != 3 {
			return nil, fmt.Errorf("rpc: invalid notification: expected length 3, got %d", len(raw))
		}
		method, err := toMethod(raw[1])
		if err != nil {
			return nil, err
		}
		params, err := toParams(raw[2])
		if err != nil {
			return nil, err
		}
		return &Frame{Type: 2, Method: method, Params: params}, nil

	default:
		return nil, fmt.Errorf("rpc: unknown frame type: %d", msgType)
	}
}

// toInt normalizes any of msgpack/v5's decoded integer widths to an int.
// The encoder writes full-width ints by default (UseCompactInts is opt-in),
// so every width it can produce - int8/16/32/64 and uint8/16/32/64 - must be
// handled here, not just the compact ones.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int32:
		return int(n), nil
	case int16:
		return int(n), nil
	case int8:
		return int(n), nil
	case int:
		return n, nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func toUint32(v any) (uint32, error) {
	n, err := toInt(v)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func toMethod(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	default:
		return "", fmt.Errorf("rpc: invalid method name type %T", v)
	}
}

func toParams(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	params, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("rpc: invalid params: expected array, got %T", v)
	}
	return params, nil
}

func toWireError(v any) (*wireError, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.([]any)
	if !ok || len(arr) < 2 {
		return nil, fmt.Errorf("rpc: invalid error format in response")
	}
	code, err := toInt(arr[0])
	if err != nil {
		return nil, fmt.Errorf("rpc: invalid error code: %w", err)
	}
	msg, _ := arr[1].(string)
	return &wireError{Code: uint8(code), Msg: msg}, nil
}

// newDecoder/newEncoder are tiny indirections kept for test seams.
func newDecoder(r io.Reader) *msgpack.Decoder { return msgpack.NewDecoder(r) }
func newEncoder(w io.Writer) *msgpack.Encoder { return msgpack.NewEncoder(w) }
