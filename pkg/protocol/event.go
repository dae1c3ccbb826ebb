// Package protocol defines the events exchanged between pair chat clients and
// the server, and their JSON and protobuf encodings.
package protocol

import (
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrInvalidEvent is returned when a frame cannot be turned into an Event.
// The connection that produced it stays usable.
var ErrInvalidEvent = errors.New("invalid event")

// EventType identifies an event on the wire.
type EventType int

const (
	EventUnknown EventType = iota
	EventWaiting
	EventPartnerConnected
	EventSendMsg
	EventReceiveMsg
	EventPartnerLeft
	EventTyping
	EventStopTyping
)

var eventNames = map[EventType]string{
	EventWaiting:          "waiting",
	EventPartnerConnected: "partner-connected",
	EventSendMsg:          "send-msg",
	EventReceiveMsg:       "receive-msg",
	EventPartnerLeft:      "partner-left",
	EventTyping:           "typing",
	EventStopTyping:       "stop-typing",
}

var eventTypes = func() map[string]EventType {
	m := make(map[string]EventType, len(eventNames))
	for t, name := range eventNames {
		m[name] = t
	}
	return m
}()

// String returns the wire name of the event type.
func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseEventType maps a wire name to its EventType. Unknown names yield
// EventUnknown.
func ParseEventType(name string) EventType {
	return eventTypes[name]
}

// FromClient reports whether clients are allowed to emit events of type t.
func (t EventType) FromClient() bool {
	switch t {
	case EventSendMsg, EventTyping, EventStopTyping:
		return true
	default:
		return false
	}
}

// Event is a single protocol event. PartnerID is only set on
// partner-connected, Message only on send-msg and receive-msg.
type Event struct {
	Type      EventType
	PartnerID string
	Message   string
}

const (
	fieldEvent     = "event"
	fieldPartnerID = "partnerId"
	fieldMessage   = "message"
)

type jsonEvent struct {
	Event     string `json:"event"`
	PartnerID string `json:"partnerId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// EncodeJSON encodes the event as a JSON object, the form used on WebSocket
// text frames.
func (e *Event) EncodeJSON() ([]byte, error) {
	data, err := json.Marshal(jsonEvent{
		Event:     e.Type.String(),
		PartnerID: e.PartnerID,
		Message:   e.Message,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode event")
	}
	return data, nil
}

// DecodeJSON decodes a JSON object into the event.
func (e *Event) DecodeJSON(data []byte) error {
	var w jsonEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrapf(ErrInvalidEvent, "decode json: %v", err)
	}
	return e.set(w.Event, w.PartnerID, w.Message)
}

func (e *Event) set(name, partnerID, message string) error {
	t := ParseEventType(name)
	if t == EventUnknown {
		return errors.Wrapf(ErrInvalidEvent, "unknown event %q", name)
	}
	e.Type = t
	e.PartnerID = partnerID
	e.Message = message
	return nil
}

// toProto converts the Event to a protobuf Struct.
func (e *Event) toProto() *structpb.Struct {
	fields := map[string]*structpb.Value{
		fieldEvent: structpb.NewStringValue(e.Type.String()),
	}
	if e.PartnerID != "" {
		fields[fieldPartnerID] = structpb.NewStringValue(e.PartnerID)
	}
	if e.Message != "" {
		fields[fieldMessage] = structpb.NewStringValue(e.Message)
	}
	return &structpb.Struct{Fields: fields}
}

// fromProto populates the Event from a protobuf Struct.
func (e *Event) fromProto(s *structpb.Struct) error {
	name, err := stringField(s, fieldEvent)
	if err != nil {
		return err
	}
	partnerID, err := stringField(s, fieldPartnerID)
	if err != nil {
		return err
	}
	message, err := stringField(s, fieldMessage)
	if err != nil {
		return err
	}
	return e.set(name, partnerID, message)
}

func stringField(s *structpb.Struct, key string) (string, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return "", nil
	}
	sv, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", errors.Wrapf(ErrInvalidEvent, "field %q is not a string", key)
	}
	return sv.StringValue, nil
}
