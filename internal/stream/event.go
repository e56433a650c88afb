// Package stream turns pipeline progress into an ordered sequence of server-sent events.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
)

// EventType is the SSE event name.
type EventType string

const (
	EventStatus        EventType = "status"
	EventPhase         EventType = "phase"
	EventPhaseComplete EventType = "phase_complete"
	EventThought       EventType = "thought"
	EventResponse      EventType = "response"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
)

// Terminal reports whether no event may follow one of this type.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Payload is the JSON body of an event. Only the fields relevant to the event type are set.
type Payload struct {
	Status     string         `json:"status,omitempty"`
	Phase      string         `json:"phase,omitempty"`
	Step       string         `json:"step,omitempty"`
	Type       string         `json:"type,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	Input      string         `json:"input,omitempty"`
	Content    string         `json:"content,omitempty"`
	Chunk      string         `json:"chunk,omitempty"`
	// DurationMS is set on complete events only, where zero is a valid value.
	DurationMS *int64         `json:"duration_ms,omitempty"`
	Code       string         `json:"code,omitempty"`
	Message    string         `json:"message,omitempty"`
	Summary    map[string]any `json:"summary,omitempty"`
}

type Event struct {
	// Seq is assigned by the bridge, starting at 1.
	Seq     int
	Type    EventType
	Payload Payload
}

func Status(status string) Event {
	return Event{Type: EventStatus, Payload: Payload{Status: status}}
}

func Phase(phase string) Event {
	return Event{Type: EventPhase, Payload: Payload{Phase: phase}}
}

func PhaseComplete(phase string, summary map[string]any) Event {
	return Event{Type: EventPhaseComplete, Payload: Payload{Phase: phase, Summary: summary}}
}

// Thought describes an intermediate step such as a tool call or a gate verdict.
func Thought(step, kind, tool, input, content string) Event {
	return Event{Type: EventThought, Payload: Payload{Step: step, Type: kind, Tool: tool, Input: input, Content: content}}
}

func Response(chunk string) Event {
	return Event{Type: EventResponse, Payload: Payload{Chunk: chunk}}
}

func Complete(durationMS int64) Event {
	return Event{Type: EventComplete, Payload: Payload{Status: "complete", DurationMS: &durationMS}}
}

// Duration returns the run duration of a complete event in milliseconds.
func (p Payload) Duration() int64 {
	if p.DurationMS == nil {
		return 0
	}
	return *p.DurationMS
}

func Error(code, message string) Event {
	return Event{Type: EventError, Payload: Payload{Code: code, Message: message}}
}

// WriteSSE encodes the event in text/event-stream format.
func WriteSSE(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Type, err)
	}

	return nil
}
