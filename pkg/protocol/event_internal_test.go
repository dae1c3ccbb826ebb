package protocol

import (
	"testing"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestEvent_toProto(t *testing.T) {
	tests := []struct {
		name       string
		ev         Event
		wantFields []string
	}{
		{
			name:       "waiting carries only the event name",
			ev:         Event{Type: EventWaiting},
			wantFields: []string{fieldEvent},
		},
		{
			name:       "partner-connected carries partner id",
			ev:         Event{Type: EventPartnerConnected, PartnerID: "p1"},
			wantFields: []string{fieldEvent, fieldPartnerID},
		},
		{
			name:       "send-msg carries message",
			ev:         Event{Type: EventSendMsg, Message: "hi"},
			wantFields: []string{fieldEvent, fieldMessage},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.ev.toProto()
			if len(got.GetFields()) != len(tt.wantFields) {
				t.Fatalf("toProto() has %d fields, want %d", len(got.GetFields()), len(tt.wantFields))
			}
			for _, f := range tt.wantFields {
				if _, ok := got.GetFields()[f]; !ok {
					t.Errorf("toProto() missing field %q", f)
				}
			}
			if name := got.GetFields()[fieldEvent].GetStringValue(); name != tt.ev.Type.String() {
				t.Errorf("toProto() event = %q, want %q", name, tt.ev.Type.String())
			}

			var back Event
			if err := back.fromProto(got); err != nil {
				t.Fatalf("fromProto() error = %v", err)
			}
			if back != tt.ev {
				t.Errorf("fromProto() = %+v, want %+v", back, tt.ev)
			}
		})
	}
}

func TestEvent_fromProto_WrongKind(t *testing.T) {
	st := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldEvent:   structpb.NewStringValue("send-msg"),
		fieldMessage: structpb.NewBoolValue(true),
	}}

	var ev Event
	err := ev.fromProto(st)
	if !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("fromProto() error = %v, want ErrInvalidEvent", err)
	}
}
