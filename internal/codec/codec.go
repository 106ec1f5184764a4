// Package codec serializes and deserializes the framed JSON messages
// exchanged with the editor. Every message carries a "type"
// discriminator; decoding first reads only that field, then unmarshals
// the whole frame into the matching typed struct. An unrecognized type
// yields ErrUnknownType, which callers can tell apart from a malformed
// frame.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/Ransomwave/azul/internal/errs"
)

// Message types recognized on the wire. Editor -> daemon and
// daemon -> editor share the same namespace; a handler only reacts to
// the subset it expects.
const (
	TypeFullSnapshot        = "fullSnapshot"
	TypeInstanceUpdated     = "instanceUpdated"
	TypeInstanceDeleted     = "instanceDeleted"
	TypeScriptSourceChanged = "scriptSourceChanged"
	TypeRequestSnapshot     = "requestSnapshot"
	TypeBuildSnapshot       = "buildSnapshot"
	TypeApplyPatch          = "applyPatch"
)

// InstanceData is the wire representation of one editor instance.
type InstanceData struct {
	Guid       string          `json:"guid"`
	ClassName  string          `json:"className"`
	Name       string          `json:"name"`
	Path       []string        `json:"path"`
	ParentGuid *string         `json:"parentGuid,omitempty"`
	Source     *string         `json:"source,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// Decode parses one JSON frame and returns a typed Message. Unknown
// types return an ErrUnknownType wrapped in a ProtocolError so callers
// can log and drop the frame without closing the connection.
// Malformed frames (not valid JSON at all) return a plain
// ProtocolError that the caller should treat as a reason to close the
// connection.
func Decode(raw []byte) (Message, error) {
	var e struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, &errs.ProtocolError{Err: fmt.Errorf("malformed frame: %w", err)}
	}

	switch e.Type {
	case TypeFullSnapshot:
		var m FullSnapshot
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &errs.ProtocolError{MessageType: e.Type, Err: err}
		}
		return m, nil
	case TypeInstanceUpdated:
		var m InstanceUpdated
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &errs.ProtocolError{MessageType: e.Type, Err: err}
		}
		return m, nil
	case TypeInstanceDeleted:
		var m InstanceDeleted
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &errs.ProtocolError{MessageType: e.Type, Err: err}
		}
		if m.Guid == "" {
			return nil, &errs.ProtocolError{MessageType: e.Type, Err: fmt.Errorf("missing guid")}
		}
		return m, nil
	case TypeScriptSourceChanged:
		var m ScriptSourceChanged
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &errs.ProtocolError{MessageType: e.Type, Err: err}
		}
		return m, nil
	case TypeRequestSnapshot:
		var m RequestSnapshot
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &errs.ProtocolError{MessageType: e.Type, Err: err}
		}
		return m, nil
	case TypeBuildSnapshot:
		var m BuildSnapshot
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &errs.ProtocolError{MessageType: e.Type, Err: err}
		}
		return m, nil
	case TypeApplyPatch:
		var m ApplyPatch
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &errs.ProtocolError{MessageType: e.Type, Err: err}
		}
		return m, nil
	default:
		return nil, &errs.ProtocolError{MessageType: e.Type, Err: ErrUnknownType}
	}
}

// Encode serializes any Message back to its wire frame.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// ErrUnknownType is the sentinel wrapped by Decode when a frame's
// type discriminator isn't one this codec recognizes.
var ErrUnknownType = fmt.Errorf("unknown message type")

// Message is implemented by every wire message; Kind returns its type
// discriminator for dispatch.
type Message interface {
	Kind() string
}

// FullSnapshot carries the complete instance set, sent by the editor
// on connect and in reply to RequestSnapshot.
type FullSnapshot struct {
	Type string         `json:"type"`
	Data []InstanceData `json:"data"`
}

func (FullSnapshot) Kind() string { return TypeFullSnapshot }

// NewFullSnapshot builds a FullSnapshot with the type tag set.
func NewFullSnapshot(data []InstanceData) FullSnapshot {
	return FullSnapshot{Type: TypeFullSnapshot, Data: data}
}

// InstanceUpdated carries one created-or-mutated instance.
type InstanceUpdated struct {
	Type string       `json:"type"`
	Data InstanceData `json:"data"`
}

func (InstanceUpdated) Kind() string { return TypeInstanceUpdated }

func NewInstanceUpdated(data InstanceData) InstanceUpdated {
	return InstanceUpdated{Type: TypeInstanceUpdated, Data: data}
}

// InstanceDeleted reports a removed instance by guid.
type InstanceDeleted struct {
	Type string `json:"type"`
	Guid string `json:"guid"`
}

func (InstanceDeleted) Kind() string { return TypeInstanceDeleted }

func NewInstanceDeleted(guid string) InstanceDeleted {
	return InstanceDeleted{Type: TypeInstanceDeleted, Guid: guid}
}

// ScriptSourceChanged carries a new script body for an existing guid.
// Sent in both directions: editor -> daemon on an in-Studio edit,
// daemon -> editor after a watcher-observed local edit.
type ScriptSourceChanged struct {
	Type   string `json:"type"`
	Guid   string `json:"guid"`
	Source string `json:"source"`
}

func (ScriptSourceChanged) Kind() string { return TypeScriptSourceChanged }

func NewScriptSourceChanged(guid, source string) ScriptSourceChanged {
	return ScriptSourceChanged{Type: TypeScriptSourceChanged, Guid: guid, Source: source}
}

// RequestSnapshot is sent daemon -> editor to prime or re-prime the
// tree, optionally including properties/attributes for pack.
type RequestSnapshot struct {
	Type                      string `json:"type"`
	IncludeProperties         bool   `json:"includeProperties,omitempty"`
	ScriptsAndDescendantsOnly bool   `json:"scriptsAndDescendantsOnly,omitempty"`
}

func (RequestSnapshot) Kind() string { return TypeRequestSnapshot }

func NewRequestSnapshot(includeProperties, scriptsOnly bool) RequestSnapshot {
	return RequestSnapshot{
		Type:                      TypeRequestSnapshot,
		IncludeProperties:         includeProperties,
		ScriptsAndDescendantsOnly: scriptsOnly,
	}
}

// BuildSnapshot is sent daemon -> editor to apply a local tree or
// sourcemap as the new DataModel state (the `build` command).
type BuildSnapshot struct {
	Type string         `json:"type"`
	Data []InstanceData `json:"data"`
}

func (BuildSnapshot) Kind() string { return TypeBuildSnapshot }

func NewBuildSnapshot(data []InstanceData) BuildSnapshot {
	return BuildSnapshot{Type: TypeBuildSnapshot, Data: data}
}

// ApplyPatch carries structural edits (creates/moves/deletes) the
// daemon wants the editor to apply without a full snapshot round trip.
type ApplyPatch struct {
	Type    string          `json:"type"`
	Creates []InstanceData  `json:"creates,omitempty"`
	Updates []InstanceData  `json:"updates,omitempty"`
	Deletes []string        `json:"deletes,omitempty"`
	Extra   json.RawMessage `json:"extra,omitempty"`
}

func (ApplyPatch) Kind() string { return TypeApplyPatch }
