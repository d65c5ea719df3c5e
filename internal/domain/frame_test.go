package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestInboundFrameCheckShape(t *testing.T) {
	cases := []struct {
		name  string
		frame InboundFrame
		ok    bool
	}{
		{"message ok", InboundFrame{Type: FrameMessage, ConversationID: "c1", Kind: MessageKindText}, true},
		{"message missing conversation", InboundFrame{Type: FrameMessage, Kind: MessageKindText}, false},
		{"message bad kind", InboundFrame{Type: FrameMessage, ConversationID: "c1", Kind: "video"}, false},
		{"typing ok", InboundFrame{Type: FrameTyping, ConversationID: "c1", IsTyping: true}, true},
		{"ack read", InboundFrame{Type: FrameAck, ConversationID: "c1", Sequence: 3, State: "read"}, true},
		{"ack sent rejected", InboundFrame{Type: FrameAck, ConversationID: "c1", Sequence: 3, State: "sent"}, false},
		{"ack zero sequence", InboundFrame{Type: FrameAck, ConversationID: "c1", State: "read"}, false},
		{"resume", InboundFrame{Type: FrameResume}, true},
		{"unknown", InboundFrame{Type: "shout"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.frame.CheckShape()
			if tc.ok && err != nil {
				t.Fatalf("expected valid frame, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidFrame) {
				t.Fatalf("expected ErrInvalidFrame, got %v", err)
			}
		})
	}
}

func TestPresenceFrameKeepsFalseFlags(t *testing.T) {
	raw, err := json.Marshal(PresenceFrame(PresenceRecord{Identity: "a"}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["online"] != false || decoded["typing"] != false {
		t.Fatalf("expected explicit false flags, got %s", raw)
	}
}

func TestReceiptCursorStateOf(t *testing.T) {
	c := ReceiptCursor{DeliveredThrough: 5, ReadThrough: 3}
	if c.StateOf(2) != DeliveryRead || c.StateOf(4) != DeliveryDelivered || c.StateOf(6) != DeliverySent {
		t.Fatalf("unexpected states: %v %v %v", c.StateOf(2), c.StateOf(4), c.StateOf(6))
	}
}

func TestNotificationStateTransitions(t *testing.T) {
	if !NotificationQueued.CanTransition(NotificationSurfaced) {
		t.Fatalf("queued -> surfaced must be allowed")
	}
	if NotificationSurfaced.CanTransition(NotificationQueued) {
		t.Fatalf("surfaced -> queued must be rejected")
	}
	if NotificationAcknowledged.CanTransition(NotificationSurfaced) {
		t.Fatalf("acknowledged is terminal")
	}
}

func TestDomainEventRecipients(t *testing.T) {
	evt := DomainEvent{Payload: json.RawMessage(`{"recipients":["u1"," u2 ","u1"],"recipient_id":"u3"}`)}
	got := evt.Recipients()
	if len(got) != 3 || got[0] != "u1" || got[1] != "u2" || got[2] != "u3" {
		t.Fatalf("unexpected recipients %v", got)
	}
	if (DomainEvent{Payload: json.RawMessage(`[1,2]`)}).Recipients() != nil {
		t.Fatalf("non-object payload must yield no recipients")
	}
}
