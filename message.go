// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jrpc1

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// A Type identifies the shape of a Message, per the JSON-RPC 1.0 shape
// table: which of method/params/result/error/id it must, or must not,
// carry.
type Type byte

const (
	// Request carries method, params, and id; never result or error.
	Request Type = iota
	// Notify carries method and params but no id, result, or error.
	Notify
	// Reply carries result and id; never method, params, or error.
	Reply
	// ErrorMsg carries error and id; never method, params, or result.
	ErrorMsg
)

// String renders the human-readable name of a Type, matching the strings
// used in decode error messages.
func (t Type) String() string {
	switch t {
	case Request:
		return "request"
	case Notify:
		return "notification"
	case Reply:
		return "reply"
	case ErrorMsg:
		return "error"
	default:
		return fmt.Sprintf("Type(%d)", byte(t))
	}
}

// A Message is the in-memory representation of a JSON-RPC 1.0 message.
// Only the fields permitted by its Type are meaningful; Encode and
// Decode reject a Message carrying a field its Type forbids or lacking
// one its Type requires (see Valid).
//
// A Message is owned exclusively by whoever last received it: Send
// transfers ownership into a Connection (which serializes it and
// discards it), and Recv transfers ownership to the caller.
type Message struct {
	Type   Type
	Method string          // Request, Notify
	Params json.RawMessage // Request, Notify; must be a JSON array if set
	Result json.RawMessage // Reply
	Error  json.RawMessage // ErrorMsg
	ID     json.RawMessage // Request, Reply, ErrorMsg
}

// NewRequest constructs a Request message for method with the given
// params (which must marshal to a JSON array) and id.
func NewRequest(method string, params, id json.RawMessage) *Message {
	return &Message{Type: Request, Method: method, Params: params, ID: id}
}

// NewNotify constructs a Notify message for method with the given params.
func NewNotify(method string, params json.RawMessage) *Message {
	return &Message{Type: Notify, Method: method, Params: params}
}

// NewReply constructs a Reply message carrying result for id.
func NewReply(result, id json.RawMessage) *Message {
	return &Message{Type: Reply, Result: result, ID: id}
}

// NewError constructs an ErrorMsg message carrying errVal for id.
func NewError(errVal, id json.RawMessage) *Message {
	return &Message{Type: ErrorMsg, Error: errVal, ID: id}
}

// shape bits, one per optional field, matching spec.md §3's table.
type shape struct{ method, params, result, error, id bool }

var shapeOf = map[Type]shape{
	Request:  {method: true, params: true, id: true},
	Notify:   {method: true, params: true},
	Reply:    {result: true, id: true},
	ErrorMsg: {error: true, id: true},
}

var jsonNull = json.RawMessage("null")

// isAbsent reports whether raw is unset or explicit JSON null, which are
// equivalent on decode per spec.md §4.1.
func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Valid checks m against the shape table for its Type, returning a
// human-readable error naming the offending field and type, or nil.
func (m *Message) Valid() error {
	if !isAbsent(m.Params) {
		var v json.RawMessage
		var raw any
		if err := json.Unmarshal(m.Params, &raw); err != nil {
			return fmt.Errorf(`"params" is not valid JSON: %w`, err)
		}
		if _, ok := raw.([]any); !ok {
			return fmt.Errorf(`"params" must be a JSON array`)
		}
		v = m.Params
		_ = v
	}

	want, ok := shapeOf[m.Type]
	if !ok {
		return fmt.Errorf("invalid JSON-RPC message type %d", m.Type)
	}
	tname := m.Type.String()
	check := func(name string, present, wantPresent bool) error {
		if present != wantPresent {
			if wantPresent {
				return fmt.Errorf("%s must have %q", tname, name)
			}
			return fmt.Errorf("%s must not have %q", tname, name)
		}
		return nil
	}
	if err := check("method", m.Method != "", want.method); err != nil {
		return err
	}
	if err := check("params", !isAbsent(m.Params), want.params); err != nil {
		return err
	}
	if err := check("result", !isAbsent(m.Result), want.result); err != nil {
		return err
	}
	if err := check("error", !isAbsent(m.Error), want.error); err != nil {
		return err
	}
	if err := check("id", !isAbsent(m.ID), want.id); err != nil {
		return err
	}
	return nil
}

// wireMessage mirrors the on-the-wire member set. Every member is
// omitempty; Encode sets a slot that must appear as an explicit null to
// jsonNull, which omitempty does not drop.
type wireMessage struct {
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
}

// Encode renders m to its wire JSON form, after checking m against the
// shape table via Valid (spec.md §3: invariants are "enforced on every
// decode AND before every encode"). Per spec.md §4.1, Request omits
// result/error entirely, while Reply, ErrorMsg, and Notify each
// explicitly null their one forbidden-but-always-present slot (error,
// result, and id respectively).
func (m *Message) Encode() ([]byte, error) {
	if err := m.Valid(); err != nil {
		return nil, err
	}
	w := wireMessage{Method: m.Method, Params: m.Params}
	if !isAbsent(m.Result) {
		w.Result = m.Result
	} else if m.Type == ErrorMsg {
		w.Result = jsonNull
	}
	if !isAbsent(m.Error) {
		w.Error = m.Error
	} else if m.Type == Reply {
		w.Error = jsonNull
	}
	if !isAbsent(m.ID) {
		w.ID = m.ID
	} else if m.Type == Notify {
		w.ID = jsonNull
	}
	return json.Marshal(w)
}

// Decode parses a single JSON object value into a Message, inferring its
// Type per spec.md §4.1 (result present ⇒ Reply; else error present ⇒
// ErrorMsg; else id present ⇒ Request; else Notify), then validates the
// result against the shape table. JSON null in any of params/result/
// error/id is treated as absent. Any member of the object other than
// method/params/result/error/id fails decode, naming the first offender.
func Decode(raw []byte) (*Message, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("message is not a JSON object: %w", err)
	}

	m := new(Message)
	take := func(name string) json.RawMessage {
		v, ok := obj[name]
		delete(obj, name)
		if !ok || isAbsent(v) {
			return nil
		}
		return v
	}
	if methodRaw, ok := obj["method"]; ok {
		delete(obj, "method")
		if !isAbsent(methodRaw) {
			if err := json.Unmarshal(methodRaw, &m.Method); err != nil {
				return nil, fmt.Errorf(`"method" is not a JSON string: %w`, err)
			}
		}
	}
	m.Params = take("params")
	m.Result = take("result")
	m.Error = take("error")
	m.ID = take("id")

	switch {
	case m.Result != nil:
		m.Type = Reply
	case m.Error != nil:
		m.Type = ErrorMsg
	case m.ID != nil:
		m.Type = Request
	default:
		m.Type = Notify
	}

	if len(obj) > 0 {
		// Name the first unexpected member in document order.
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.Token() // the opening brace; raw already parsed as an object
		for dec.More() {
			tok, _ := dec.Token()
			if _, extra := obj[tok.(string)]; extra {
				return nil, fmt.Errorf("message has unexpected member %q", tok)
			}
			var skip json.RawMessage
			dec.Decode(&skip)
		}
	}
	if err := m.Valid(); err != nil {
		return nil, err
	}
	return m, nil
}

// Clone returns a deep-enough copy of m: the raw JSON fields are
// byte-copied so the clone shares no backing array with m. The same
// byte copy (cloneRaw) is used for the probe id, the echo responder's
// params/id, and TransactBlock's saved request id.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	return &Message{
		Type:   m.Type,
		Method: m.Method,
		Params: cloneRaw(m.Params),
		Result: cloneRaw(m.Result),
		Error:  cloneRaw(m.Error),
		ID:     cloneRaw(m.ID),
	}
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}

// IDString is a convenience constructor for a JSON string id, used by the
// probe's reserved "echo" id and available to callers needing string ids.
func IDString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// IDInt is a convenience constructor for a JSON integer id.
func IDInt(n uint64) json.RawMessage {
	b, _ := json.Marshal(n)
	return b
}

// idString reports the decoded string value of raw, and whether raw holds
// a JSON string at all. It is used to recognize the reserved "echo" id.
func idString(raw json.RawMessage) (string, bool) {
	if isAbsent(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// equalJSON reports whether two JSON-encoded ids are equivalent, per
// spec.md's use of json_equal in transact: structurally, not textually
// (e.g. "7" and "7" via re-encoding, or differing key order in objects).
func equalJSON(a, b json.RawMessage) bool {
	if isAbsent(a) != isAbsent(b) {
		return false
	}
	if isAbsent(a) {
		return true
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	na, aok := normalizeJSON(va)
	nb, bok := normalizeJSON(vb)
	if !aok || !bok {
		return false
	}
	ea, _ := json.Marshal(na)
	eb, _ := json.Marshal(nb)
	return string(ea) == string(eb)
}

// normalizeJSON recursively sorts map keys are handled naturally by
// encoding/json (maps always marshal key-sorted), so this just recurses
// to ensure nested maps decoded as any are preserved as map[string]any.
func normalizeJSON(v any) (any, bool) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, ok := normalizeJSON(e)
			if !ok {
				return nil, false
			}
			out[k] = n
		}
		return out, true
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, ok := normalizeJSON(e)
			if !ok {
				return nil, false
			}
			out[i] = n
		}
		return out, true
	default:
		return t, true
	}
}
