package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeFraming(t *testing.T) {
	data, err := Encode(EventRoomJoined, RoomJoinedEvent{RoomID: "r1", UserID: "u1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != EventRoomJoined {
		t.Fatalf("type = %s", frame.Type)
	}
	var ev RoomJoinedEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if ev.RoomID != "r1" || ev.UserID != "u1" {
		t.Fatalf("payload = %+v", ev)
	}
}

func TestSendMessageValidation(t *testing.T) {
	cases := []struct {
		name    string
		payload SendMessagePayload
		wantErr bool
	}{
		{"valid", SendMessagePayload{RoomID: "r1", Content: "hi"}, false},
		{"missing room", SendMessagePayload{Content: "hi"}, true},
		{"missing content", SendMessagePayload{RoomID: "r1"}, true},
		{"oversize content", SendMessagePayload{RoomID: "r1", Content: strings.Repeat("x", MaxMessageContentBytes+1)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.payload.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestUpdateStatusValidation(t *testing.T) {
	for _, status := range []Status{StatusOnline, StatusAway, StatusBusy, StatusOffline} {
		p := UpdateStatusPayload{Status: status}
		if err := p.Validate(); err != nil {
			t.Errorf("status %s rejected: %v", status, err)
		}
	}
	p := UpdateStatusPayload{Status: "invisible"}
	if err := p.Validate(); err == nil {
		t.Error("unknown status accepted")
	}
}

func TestClientErrorWire(t *testing.T) {
	evErr := ValidationError("roomId: required")
	ev := evErr.Event()
	if ev.Code != CodeValidation || ev.Message != "roomId: required" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Timestamp == 0 {
		t.Fatal("timestamp must be set")
	}
	if !strings.Contains(evErr.Error(), "VALIDATION_ERROR") {
		t.Fatalf("error string = %q", evErr.Error())
	}
}

func TestNewNotificationDefaults(t *testing.T) {
	n := NewNotification(NotifySuccess, "title", "body")
	if n.ID == "" {
		t.Fatal("id must be generated")
	}
	if n.Timestamp == 0 {
		t.Fatal("timestamp must be set")
	}
	if n.Type != NotifySuccess {
		t.Fatalf("type = %s", n.Type)
	}
}
