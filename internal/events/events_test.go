package events

import (
	"encoding/json"
	"testing"
)

func TestEventMarshal(t *testing.T) {
	data, _ := json.Marshal(map[string]string{"message": "hello"})
	event := Event{
		Type:    "commit_accepted",
		ConvoID: "convo123",
		Data:    data,
	}

	encoded, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if decoded.Type != "commit_accepted" {
		t.Errorf("type = %q, want %q", decoded.Type, "commit_accepted")
	}
	if decoded.ConvoID != "convo123" {
		t.Errorf("convoId = %q, want %q", decoded.ConvoID, "convo123")
	}
	if decoded.RecipientDID != "" {
		t.Errorf("recipientDid should be empty, got %q", decoded.RecipientDID)
	}

	var payload map[string]string
	if err := json.Unmarshal(decoded.Data, &payload); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if payload["message"] != "hello" {
		t.Errorf("data.message = %q, want %q", payload["message"], "hello")
	}
}

func TestEventMarshal_EmptyOptionalsOmitted(t *testing.T) {
	data, _ := json.Marshal(nil)
	event := Event{Type: "sequencer_moved", Data: data}

	encoded, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	str := string(encoded)
	if contains(str, `"convoId"`) || contains(str, `"recipientDid"`) {
		t.Errorf("empty convoId/recipientDid should be omitted, got %s", str)
	}
}

func TestSubjectConstantsUseMlsdsPrefix(t *testing.T) {
	subjects := []string{
		SubjectEnvelopeAppended, SubjectCommitAccepted, SubjectSequencerMoved, SubjectDeliveryAcked,
	}
	for _, s := range subjects {
		if s == "" {
			t.Error("empty subject constant")
		}
		if len(s) < len("mlsds.") || s[:len("mlsds.")] != "mlsds." {
			t.Errorf("subject %q should start with mlsds.", s)
		}
	}
}

func TestEventJSONTags(t *testing.T) {
	data := []byte(`{"t":"TEST","convoId":"c1","recipientDid":"did:plc:x","d":{"key":"val"}}`)
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if event.Type != "TEST" {
		t.Errorf("Type = %q, want %q", event.Type, "TEST")
	}
	if event.ConvoID != "c1" {
		t.Errorf("ConvoID = %q, want %q", event.ConvoID, "c1")
	}
	if event.RecipientDID != "did:plc:x" {
		t.Errorf("RecipientDID = %q, want %q", event.RecipientDID, "did:plc:x")
	}
}

func contains(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
