// Package session manages connected WebSocket clients and message routing
// around one or more collaboratively edited text documents.
package session

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Polqt/crdtcollab/container"
	"github.com/Polqt/crdtcollab/dag"
	"github.com/Polqt/crdtcollab/ids"
)

// ─────────────────────────────────────────────────────────────
// Message types
// ─────────────────────────────────────────────────────────────

const (
	MsgInsert   = "insert"
	MsgDelete   = "delete"
	MsgSnapshot = "snapshot"
	MsgAck      = "ack"
	MsgError    = "error"
)

// Message is the wire format for a CRDT operation.
type Message struct {
	DocID    string          `json:"doc_id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"sender_id"`
	Ts       time.Time       `json:"ts"`
}

// InsertPayload carries a local insertion.
type InsertPayload struct {
	Pos  int    `json:"pos"`
	Text string `json:"text"`
}

// DeletePayload carries a local deletion.
type DeletePayload struct {
	Pos int `json:"pos"`
	Len int `json:"len"`
}

// SnapshotPayload is sent to new joiners.
type SnapshotPayload struct {
	Text string `json:"text"`
}

// ─────────────────────────────────────────────────────────────
// Session
// ─────────────────────────────────────────────────────────────

// Sender is implemented by the WebSocket transport layer so Session
// can push messages without depending on the transport package.
type Sender interface {
	Send(msg Message) error
	Close() error
	RemoteAddr() string
}

// Session represents one connected client editing a document.
type Session struct {
	ID       string // unique session id (UUID)
	DocID    string
	ClientID ids.ClientID // this session's CRDT replica identity
	sender   Sender
	hub      *Hub
}

// NewSession creates a session with the given transport sender.
func NewSession(id, docID string, clientID ids.ClientID, sender Sender, hub *Hub) *Session {
	return &Session{ID: id, DocID: docID, ClientID: clientID, sender: sender, hub: hub}
}

// Push sends a message to this client.
func (s *Session) Push(msg Message) error {
	return s.sender.Send(msg)
}

// ─────────────────────────────────────────────────────────────
// Document — per-document CRDT state + sessions
// ─────────────────────────────────────────────────────────────

// textContainerIdx is the single text container every document exposes.
// Documents in this server are plain text files, so there is only ever one
// container per document (SPEC_FULL.md's process coordinator, which would
// multiplex several containers per document, is out of scope — spec §1).
const textContainerIdx = 0

// Document holds the live CRDT state for one collaborative document. The
// server is the single writer for its container: every session's edits are
// applied directly, under doc.mu, so the merge engine's Apply path exists
// for completeness (and is exercised by tests) but isn't on the hot path of
// a single-writer hub.
type Document struct {
	mu       sync.Mutex
	ID       string
	store    *dag.Store
	text     *container.TextContainer
	sessions map[string]*Session // sessionID → session
}

// NewDocument creates a new empty document.
func NewDocument(id string) *Document {
	store := dag.NewStore()
	return &Document{
		ID:       id,
		store:    store,
		text:     container.New(textContainerIdx, 0),
		sessions: make(map[string]*Session),
	}
}

// Text returns the current document text (read-only snapshot).
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text.GetValue()
}

// Insert applies a local insertion on behalf of client and returns the
// minted op id. ok is false for an empty insertion, which is a no-op.
func (d *Document) Insert(client ids.ClientID, pos int, text string) (ids.OpID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text.Insert(clientStore{d.store, client}, pos, text)
}

// Delete applies a local deletion on behalf of client and returns the
// minted op id. ok is false for a zero-length deletion, which is a no-op.
func (d *Document) Delete(client ids.ClientID, pos, length int) (ids.OpID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text.Delete(clientStore{d.store, client}, pos, length)
}

// clientStore binds a fixed ClientID to a dag.Store so container.Insert/
// Delete can mint ids for a particular session without the container
// needing to carry a client identity of its own (a document-wide container
// is shared across every session's edits).
type clientStore struct {
	*dag.Store
	client ids.ClientID
}

func (c clientStore) NextID(ids.ClientID) ids.OpID { return c.Store.NextID(c.client) }

// Broadcast sends msg to every session except excludeID.
func (d *Document) Broadcast(msg Message, excludeID string) {
	d.mu.Lock()
	sessions := make([]*Session, 0, len(d.sessions))
	for id, s := range d.sessions {
		if id != excludeID {
			sessions = append(sessions, s)
		}
	}
	d.mu.Unlock()
	for _, s := range sessions {
		if err := s.Push(msg); err != nil {
			slog.Warn("broadcast failed", "session", s.ID, "err", err)
		}
	}
}

// ─────────────────────────────────────────────────────────────
// Hub — registry of all documents and sessions
// ─────────────────────────────────────────────────────────────

// Hub is the central message router for all active documents and sessions.
type Hub struct {
	mu   sync.RWMutex
	docs map[string]*Document // docID → document
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{docs: make(map[string]*Document)}
}

// Run is a no-op placeholder for background maintenance (e.g. idle-doc cleanup).
// Call as a goroutine: go hub.Run()
func (h *Hub) Run() {
	// TODO: periodically evict documents with zero active sessions to reclaim memory.
}

// GetOrCreate returns the document with the given id, creating it if needed.
func (h *Hub) GetOrCreate(docID string) *Document {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.docs[docID]; ok {
		return d
	}
	d := NewDocument(docID)
	h.docs[docID] = d
	return d
}

// Join registers a session with its document and sends the current snapshot.
func (h *Hub) Join(sess *Session) {
	doc := h.GetOrCreate(sess.DocID)
	doc.mu.Lock()
	doc.sessions[sess.ID] = sess
	text := doc.text.GetValue()
	doc.mu.Unlock()

	snap, _ := json.Marshal(SnapshotPayload{Text: text})
	_ = sess.Push(Message{
		DocID:   sess.DocID,
		Type:    MsgSnapshot,
		Payload: snap,
		Ts:      time.Now(),
	})
}

// Leave removes a session from its document.
func (h *Hub) Leave(sess *Session) {
	doc := h.GetOrCreate(sess.DocID)
	doc.mu.Lock()
	delete(doc.sessions, sess.ID)
	doc.mu.Unlock()

	slog.Info("session left", "session", sess.ID, "doc", sess.DocID)
}

// Dispatch handles an incoming message from a session.
func (h *Hub) Dispatch(sess *Session, msg Message) {
	doc := h.GetOrCreate(msg.DocID)

	switch msg.Type {
	case MsgInsert:
		var p InsertPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			slog.Warn("bad insert payload", "err", err)
			return
		}
		doc.Insert(sess.ClientID, p.Pos, p.Text)
		doc.Broadcast(msg, sess.ID)

	case MsgDelete:
		var p DeletePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			slog.Warn("bad delete payload", "err", err)
			return
		}
		doc.Delete(sess.ClientID, p.Pos, p.Len)
		doc.Broadcast(msg, sess.ID)

	default:
		slog.Warn("unknown message type", "type", msg.Type)
	}
}
