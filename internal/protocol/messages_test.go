package protocol

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a cursor frame
// ---------------------------------------------------------------------------

func TestParseClientMessage_Cursor(t *testing.T) {
	input := []byte(`{"type":"cursor","userId":"u1","selection":{"anchor":3,"head":7}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeCursor {
		t.Fatalf("expected type %q, got %q", TypeCursor, msgType)
	}

	cm, ok := msg.(CursorMsg)
	if !ok {
		t.Fatalf("expected CursorMsg, got %T", msg)
	}
	if cm.UserID != "u1" {
		t.Errorf("expected userId %q, got %q", "u1", cm.UserID)
	}
	if string(cm.Selection) != `{"anchor":3,"head":7}` {
		t.Errorf("selection should be kept raw, got %s", cm.Selection)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a sync frame and decoding its state vector
// ---------------------------------------------------------------------------

func TestParseClientMessage_Sync(t *testing.T) {
	sv := []byte{0x01, 0x02, 0xff}
	input := []byte(`{"type":"sync","ydocState":"` + base64.StdEncoding.EncodeToString(sv) + `"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSync {
		t.Fatalf("expected type %q, got %q", TypeSync, msgType)
	}

	sm, ok := msg.(SyncMsg)
	if !ok {
		t.Fatalf("expected SyncMsg, got %T", msg)
	}
	got, err := sm.StateVector()
	if err != nil {
		t.Fatalf("StateVector: %v", err)
	}
	if string(got) != string(sv) {
		t.Errorf("state vector mismatch: %v", got)
	}
}

func TestSyncMsg_BadBase64(t *testing.T) {
	if _, err := (SyncMsg{Type: TypeSync, YDocState: "!!not base64"}).StateVector(); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestParseClientMessage_UnknownOrServerOnly(t *testing.T) {
	for _, input := range []string{
		`{"type":"bogus"}`,
		`{"type":"disconnect","disconnectedUserId":"u1"}`,
		`{"type":"end","disconnectedUserId":"u1"}`,
	} {
		msgType, msg, err := ParseClientMessage([]byte(input))
		if err == nil {
			t.Errorf("%s: expected error", input)
		}
		if msg != nil {
			t.Errorf("%s: expected nil msg, got %v", input, msg)
		}
		if msgType == "" {
			t.Errorf("%s: type should still be reported", input)
		}
	}
}

func TestEnvelope_MissingType(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"selection":{}}`), &env); err == nil {
		t.Error("expected error for missing type")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestServerFrames(t *testing.T) {
	reply, err := NewSyncReply([]byte{0, 0})
	if err != nil {
		t.Fatalf("NewSyncReply: %v", err)
	}
	var sr SyncReplyMsg
	json.Unmarshal(reply, &sr)
	if sr.Type != TypeSync || sr.YDocUpdate != "AAA=" {
		t.Errorf("unexpected sync reply %s", reply)
	}

	disc, _ := NewDisconnect("u1")
	end, _ := NewEnd("u1")
	var d, e PeerLeftMsg
	json.Unmarshal(disc, &d)
	json.Unmarshal(end, &e)

	if d.Type != TypeDisconnect || d.DisconnectedUserID != "u1" {
		t.Errorf("unexpected disconnect frame %s", disc)
	}
	if e.Type != TypeEnd || e.DisconnectedUserID != "u1" {
		t.Errorf("unexpected end frame %s", end)
	}
}
