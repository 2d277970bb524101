package session

import (
	"encoding/json"
	"testing"
)

// fakeSender records every pushed message so tests can assert on routing
// without a real WebSocket connection.
type fakeSender struct {
	sent []Message
}

func (f *fakeSender) Send(msg Message) error { f.sent = append(f.sent, msg); return nil }
func (f *fakeSender) Close() error           { return nil }
func (f *fakeSender) RemoteAddr() string     { return "fake" }

func TestJoinSendsSnapshot(t *testing.T) {
	hub := NewHub()
	doc := hub.GetOrCreate("doc1")
	doc.Insert(1, 0, "hello")

	sender := &fakeSender{}
	sess := NewSession("s1", "doc1", 2, sender, hub)
	hub.Join(sess)

	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 snapshot message, got %d", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.Type != MsgSnapshot {
		t.Fatalf("expected %q message, got %q", MsgSnapshot, msg.Type)
	}
	var snap SnapshotPayload
	if err := json.Unmarshal(msg.Payload, &snap); err != nil {
		t.Fatalf("bad snapshot payload: %v", err)
	}
	if snap.Text != "hello" {
		t.Fatalf("snapshot text = %q, want %q", snap.Text, "hello")
	}
}

func TestDispatchInsertMutatesAndBroadcasts(t *testing.T) {
	hub := NewHub()

	senderA, senderB := &fakeSender{}, &fakeSender{}
	sessA := NewSession("sA", "doc1", 1, senderA, hub)
	sessB := NewSession("sB", "doc1", 2, senderB, hub)
	hub.Join(sessA)
	hub.Join(sessB)
	senderA.sent, senderB.sent = nil, nil // drop the join snapshots

	payload, _ := json.Marshal(InsertPayload{Pos: 0, Text: "hi"})
	hub.Dispatch(sessA, Message{DocID: "doc1", Type: MsgInsert, Payload: payload})

	if got := hub.GetOrCreate("doc1").Text(); got != "hi" {
		t.Fatalf("document text = %q, want %q", got, "hi")
	}
	if len(senderA.sent) != 0 {
		t.Fatalf("sender must not receive its own edit back, got %d messages", len(senderA.sent))
	}
	if len(senderB.sent) != 1 || senderB.sent[0].Type != MsgInsert {
		t.Fatalf("expected the other session to receive the insert, got %+v", senderB.sent)
	}
}

func TestDispatchDeleteMutates(t *testing.T) {
	hub := NewHub()
	doc := hub.GetOrCreate("doc1")
	doc.Insert(1, 0, "abc")

	sender := &fakeSender{}
	sess := NewSession("s1", "doc1", 2, sender, hub)
	hub.Join(sess)

	payload, _ := json.Marshal(DeletePayload{Pos: 1, Len: 1})
	hub.Dispatch(sess, Message{DocID: "doc1", Type: MsgDelete, Payload: payload})

	if got := doc.Text(); got != "ac" {
		t.Fatalf("document text = %q, want %q", got, "ac")
	}
}
