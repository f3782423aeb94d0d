package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// JSON-RPC 2.0 error codes used by the runtime. Application-defined codes
// from the peer pass through untouched.
const (
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// Policy selects how frames with a method and a malformed id are classified.
type Policy int

const (
	// Lenient demotes a method frame whose id is null or non-scalar to a
	// notification, discarding the id. ACP peers use "id": null
	// inconsistently; this keeps the connection making progress.
	Lenient Policy = iota

	// Strict rejects such frames as malformed, matching the reference Rust
	// and Kotlin SDKs.
	Strict
)

// ID is a JSON-RPC request id: a signed integer or a non-empty string.
// The zero value is invalid and only appears where an id is absent.
type ID struct {
	str   string
	num   int64
	isStr bool
	valid bool
}

// IntID returns an integer request id.
func IntID(n int64) ID { return ID{num: n, valid: true} }

// StringID returns a string request id.
func StringID(s string) ID { return ID{str: s, isStr: true, valid: true} }

// Valid reports whether the id holds a value.
func (id ID) Valid() bool { return id.valid }

// String renders the id for log output.
func (id ID) String() string {
	switch {
	case !id.valid:
		return "<none>"
	case id.isStr:
		return strconv.Quote(id.str)
	default:
		return strconv.FormatInt(id.num, 10)
	}
}

// MarshalJSON encodes the id as a JSON number or string.
func (id ID) MarshalJSON() ([]byte, error) {
	if !id.valid {
		return nil, errors.New("marshal of invalid request id")
	}
	if id.isStr {
		return json.Marshal(id.str)
	}
	return strconv.AppendInt(nil, id.num, 10), nil
}

// UnmarshalJSON decodes a JSON number or string id. Anything else fails.
func (id *ID) UnmarshalJSON(data []byte) error {
	parsed, ok := parseID(data)
	if !ok {
		return fmt.Errorf("invalid request id: %s", data)
	}
	*id = parsed
	return nil
}

// parseID interprets raw id bytes. Only integers and non-empty strings are
// accepted; null, floats, arrays, and objects are not ids.
func parseID(raw []byte) (ID, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ID{}, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return ID{}, false
		}
		return StringID(s), true
	}
	// Reject non-integer numbers without round-tripping through float64.
	if bytes.ContainsAny(raw, ".eE") {
		return ID{}, false
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return ID{}, false
	}
	return IntID(n), true
}

// Error is a JSON-RPC error object. It implements error so peer-reported
// failures flow through ordinary error returns with code, message, and data
// intact.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewMethodNotFound builds the standard -32601 error for an unrouted method.
func NewMethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", method)}
}

// NewInternalError builds the standard -32603 error with a detail message.
// The detail appears in the message and again under data.detail.
func NewInternalError(detail string) *Error {
	return &Error{Code: CodeInternalError, Message: "Internal error: " + detail, Data: marshalDetail(detail)}
}

func marshalDetail(detail string) json.RawMessage {
	b, err := json.Marshal(map[string]string{"detail": detail})
	if err != nil {
		return nil
	}
	return b
}

// Message is one classified frame: *Request, *Response, or *Notification.
type Message interface {
	isMessage()
}

// Request expects a Response carrying the same id.
type Request struct {
	ID     ID
	Method string
	Params json.RawMessage
}

// Response answers a Request. Exactly one of Result and Err is set.
type Response struct {
	ID     ID
	Result json.RawMessage
	Err    *Error
}

// Notification is a one-way message; it never receives a response.
type Notification struct {
	Method string
	Params json.RawMessage
}

func (*Request) isMessage()      {}
func (*Response) isMessage()     {}
func (*Notification) isMessage() {}

// envelope is the raw decode target for one frame. ID is empty when the
// member is absent and holds the bytes null for "id": null, so the two
// cases stay distinct.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// ErrMalformedFrame reports a frame that fits no envelope variant. Callers
// log and drop; the connection keeps running.
var ErrMalformedFrame = errors.New("malformed jsonrpc frame")

// Classify decodes one framed JSON value into its envelope variant.
//
// Arrays reach this point from the framer but JSON-RPC batching is not part
// of ACP, so they are rejected here.
func Classify(raw []byte, policy Policy) (Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] == '[' {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch {
	case env.Method != "" && len(env.ID) > 0:
		id, ok := parseID(env.ID)
		if !ok {
			if policy == Strict {
				return nil, fmt.Errorf("%w: method %q with invalid id %s",
					ErrMalformedFrame, env.Method, env.ID)
			}
			// Lenient: id discarded, treated as a notification.
			return &Notification{Method: env.Method, Params: env.Params}, nil
		}
		return &Request{ID: id, Method: env.Method, Params: env.Params}, nil

	case env.Method != "":
		return &Notification{Method: env.Method, Params: env.Params}, nil

	case len(env.ID) > 0:
		id, ok := parseID(env.ID)
		if !ok {
			return nil, fmt.Errorf("%w: response with invalid id %s", ErrMalformedFrame, env.ID)
		}
		if (env.Result == nil) == (env.Error == nil) {
			return nil, fmt.Errorf("%w: response %s must carry exactly one of result and error",
				ErrMalformedFrame, id)
		}
		return &Response{ID: id, Result: env.Result, Err: env.Error}, nil

	default:
		return nil, fmt.Errorf("%w: neither method nor id present", ErrMalformedFrame)
	}
}

// Encode serializes a message to its wire form, without the trailing
// newline; the write path appends exactly one.
func Encode(msg Message) ([]byte, error) {
	env := envelope{JSONRPC: "2.0"}
	switch m := msg.(type) {
	case *Request:
		idRaw, err := idRawMessage(m.ID)
		if err != nil {
			return nil, err
		}
		env.ID = *idRaw
		env.Method = m.Method
		env.Params = m.Params
	case *Response:
		idRaw, err := idRawMessage(m.ID)
		if err != nil {
			return nil, err
		}
		env.ID = *idRaw
		if m.Err != nil {
			env.Error = m.Err
		} else {
			env.Result = ensureResult(m.Result)
		}
	case *Notification:
		env.Method = m.Method
		env.Params = m.Params
	default:
		return nil, fmt.Errorf("unknown message type %T", msg)
	}
	return json.Marshal(&env)
}

// ensureResult substitutes an empty object for a nil result so a success
// response always carries the result member.
func ensureResult(result json.RawMessage) json.RawMessage {
	if len(result) == 0 {
		return json.RawMessage("{}")
	}
	return result
}

func idRawMessage(id ID) (*json.RawMessage, error) {
	b, err := id.MarshalJSON()
	if err != nil {
		return nil, err
	}
	raw := json.RawMessage(b)
	return &raw, nil
}

// PeekMethod extracts the top-level method member from a raw frame without a
// full classification pass. Used by the debug tap to label records cheaply.
func PeekMethod(raw []byte) string {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.Method
}

// IsAlreadyActive reports whether a peer error describes a session that is
// already live. Used for idempotent session reload handling.
func IsAlreadyActive(e *Error) bool {
	if e == nil {
		return false
	}
	for _, phrase := range []string{"already active", "already started", "already exists"} {
		if strings.Contains(strings.ToLower(e.Message), phrase) {
			return true
		}
		if len(e.Data) > 0 && strings.Contains(strings.ToLower(string(e.Data)), phrase) {
			return true
		}
	}
	return false
}
