package govarlink

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// frameTerminator ends every on-the-wire message. There is no length
// prefix; frames are delimited purely by this byte.
const frameTerminator = 0x00

// callMessage is the on-the-wire shape of a call (spec.md §6).
type callMessage struct {
	Method     string          `json:"method"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	More       bool            `json:"more,omitempty"`
	Oneway     bool            `json:"oneway,omitempty"`
	Upgrade    bool            `json:"upgrade,omitempty"`
}

// replyMessage is the on-the-wire shape of a reply: either Parameters
// (success, optionally Continues) or Error (optionally with Parameters).
type replyMessage struct {
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Continues  bool            `json:"continues,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// decodeStrict unmarshals data into v, rejecting unknown fields. Both
// call and reply messages are protocol violations if they carry fields
// outside the shapes above (spec.md §6: "Unknown top-level fields →
// protocol violation").
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); err == nil {
		return fmt.Errorf("trailing data after message")
	}
	return nil
}

func marshalCanonical(v any) ([]byte, error) {
	return json.Marshal(v)
}
