// Package stream turns a fan-out over several upstreams into an ordered event
// sequence: progress, one partial result per upstream in arrival order, and a
// single terminal event once every target has resolved.
package stream

import (
	"encoding/json"

	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/protocol"
)

// EventType is the discriminant written as the "type" member on the wire.
type EventType string

const (
	TypeProgress      EventType = "progress"
	TypePartialResult EventType = "partial_result"
	TypeFinalResult   EventType = "final_result"
	TypeError         EventType = "error"
	TypeHeartbeat     EventType = "heartbeat"
)

// Event is one of Progress, PartialResult, FinalResult, ErrorEvent or
// Heartbeat.
type Event interface {
	EventType() EventType
}

// Progress counts resolved targets, or relays an upstream's own progress.
type Progress struct {
	Current float64 `json:"current"`
	Total   float64 `json:"total"`
	Message string  `json:"message,omitempty"`
}

// PartialResult carries one target's outcome as soon as it is known.
type PartialResult struct {
	Source string                `json:"source"`
	Data   any                   `json:"data,omitempty"`
	Error  *protocol.ErrorObject `json:"error,omitempty"`
	Err    error                 `json:"-"`
}

// FinalResult is the merged response. It is always the last event of a
// successful session.
type FinalResult struct {
	Response any `json:"response"`
}

// ErrorEvent terminates a session that could not produce a result.
type ErrorEvent struct {
	Err error `json:"-"`
}

// Heartbeat keeps idle client connections open.
type Heartbeat struct{}

func (Progress) EventType() EventType      { return TypeProgress }
func (PartialResult) EventType() EventType { return TypePartialResult }
func (FinalResult) EventType() EventType   { return TypeFinalResult }
func (ErrorEvent) EventType() EventType    { return TypeError }
func (Heartbeat) EventType() EventType     { return TypeHeartbeat }

// IsTerminal reports whether ev ends a session.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case FinalResult, ErrorEvent:
		return true
	default:
		return false
	}
}

func (p Progress) MarshalJSON() ([]byte, error) {
	type alias Progress
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{TypeProgress, alias(p)})
}

func (p PartialResult) MarshalJSON() ([]byte, error) {
	type alias PartialResult
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{TypePartialResult, alias(p)})
}

func (f FinalResult) MarshalJSON() ([]byte, error) {
	type alias FinalResult
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{TypeFinalResult, alias(f)})
}

func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  EventType             `json:"type"`
		Error *protocol.ErrorObject `json:"error"`
	}{TypeError, protocol.ToErrorObject(e.Err)})
}

func (Heartbeat) MarshalJSON() ([]byte, error) {
	return []byte(`{"type":"heartbeat"}`), nil
}
