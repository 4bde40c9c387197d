// Package model defines the durable records the messaging core persists:
// threads, messages, receipts, quarantined envelopes and identity trust.
package model

import (
	"fmt"
	"time"
)

// ThreadType distinguishes two-way conversations from one-way
// announcement channels.
type ThreadType string

const (
	ThreadConversation ThreadType = "conversation"
	ThreadAnnouncement ThreadType = "announcement"
)

// MessageFlags is a bitset carried on messages.
type MessageFlags uint32

const (
	// FlagEndSession marks a cryptographic session teardown ping.
	FlagEndSession MessageFlags = 1 << iota
	// FlagExpirationTimerUpdate marks a change to the thread's default
	// per-message expiration.
	FlagExpirationTimerUpdate
)

// Has reports whether all bits in f are set.
func (m MessageFlags) Has(f MessageFlags) bool { return m&f == f }

// Notice is a transient UI-facing diagnostic attached to a thread, e.g.
// a distribution warning or a membership-change narration.
type Notice struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
}

// Thread is a conversation. Distribution is the authoritative membership
// formula; DistributionPretty and TitleFallback are derived display text
// recomputed whenever Distribution changes.
type Thread struct {
	ID                 string           `json:"id"`
	Type               ThreadType       `json:"type"`
	Distribution       string           `json:"distribution"`
	DistributionPretty string           `json:"distributionPretty,omitempty"`
	TitleFallback      string           `json:"titleFallback,omitempty"`
	PendingMembers     []string         `json:"pendingMembers,omitempty"`
	Archived           bool             `json:"archived,omitempty"`
	Left               bool             `json:"left,omitempty"`
	Blocked            bool             `json:"blocked,omitempty"`
	Pinned             bool             `json:"pinned,omitempty"`
	Expiration         int              `json:"expiration,omitempty"`
	ReadLevel          int64            `json:"readLevel,omitempty"`
	ReadMarks          map[string]int64 `json:"readMarks,omitempty"`
	Notices            []Notice         `json:"notices,omitempty"`
	Timestamp          int64            `json:"timestamp,omitempty"`
	LastMessage        string           `json:"lastMessage,omitempty"`
	Unread             int              `json:"unread,omitempty"`
	Sender             string           `json:"sender,omitempty"`
}

// AddNotice appends a notice unless an identical one is already present.
// Repeated distribution repairs would otherwise stack duplicates.
func (t *Thread) AddNotice(n Notice) bool {
	for _, have := range t.Notices {
		if have.ID == n.ID && have.Text == n.Text {
			return false
		}
	}
	t.Notices = append(t.Notices, n)
	return true
}

// MarkRead records peer addr having read up to ts. Marks only advance.
func (t *Thread) MarkRead(addr string, ts int64) {
	if t.ReadMarks == nil {
		t.ReadMarks = make(map[string]int64)
	}
	if ts > t.ReadMarks[addr] {
		t.ReadMarks[addr] = ts
	}
}

// ReceiptType classifies receipt records.
type ReceiptType string

const (
	ReceiptSent     ReceiptType = "sent"
	ReceiptDelivery ReceiptType = "delivery"
	ReceiptError    ReceiptType = "error"

	// ReceiptRead is not persisted on sent messages; it carries parked
	// read acknowledgements through the receipt replay path.
	ReceiptRead ReceiptType = "read"
)

// Receipt is an append-only record attached to a sent message.
type Receipt struct {
	Type      ReceiptType `json:"type"`
	Addr      string      `json:"addr,omitempty"`
	Device    uint32      `json:"device,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Error     string      `json:"error,omitempty"`
}

// BodyPart is one rendering of a message body.
type BodyPart struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Message is a persisted unit of conversation content, or the durable
// record of a control event already applied.
//
// Sent, Received and Timestamp are three distinct clocks: the sender's
// claimed send time, the local receipt time, and the monotonic ordering
// timestamp used for display and indexing.
type Message struct {
	ID              string       `json:"id"`
	ThreadID        string       `json:"threadId"`
	Sender          string       `json:"sender"`
	SenderDevice    uint32       `json:"senderDevice,omitempty"`
	Sent            int64        `json:"sent,omitempty"`
	Received        int64        `json:"received,omitempty"`
	Timestamp       int64        `json:"timestamp"`
	Read            bool         `json:"read,omitempty"`
	ReadAt          int64        `json:"readAt,omitempty"`
	Expiration      int          `json:"expiration,omitempty"`
	ExpirationStart int64        `json:"expirationStart,omitempty"`
	Flags           MessageFlags `json:"flags,omitempty"`

	// Members and PendingMembers snapshot thread membership at send
	// time; live membership can change after the fact.
	Members        []string `json:"members,omitempty"`
	PendingMembers []string `json:"pendingMembers,omitempty"`

	// MessageRef marks this message as a reply to (or, with Vote set, a
	// vote on) another message; referenced messages never enter the
	// thread's primary sequence.
	MessageRef string `json:"messageRef,omitempty"`
	Vote       int    `json:"vote,omitempty"`
	VoteScore  int    `json:"voteScore,omitempty"`

	Body        []BodyPart `json:"body,omitempty"`
	Attachments []string   `json:"attachments,omitempty"`
	Mentions    []string   `json:"mentions,omitempty"`
	UserAgent   string     `json:"userAgent,omitempty"`

	// Replies holds ids of messages attached to this one.
	Replies  []string  `json:"replies,omitempty"`
	Receipts []Receipt `json:"receipts,omitempty"`

	// DeliveredAt latches the first time full delivery was observed;
	// delivered status is monotonic and never revoked.
	DeliveredAt int64 `json:"deliveredAt,omitempty"`
}

// PlainText returns the first text/plain body part, or "".
func (m *Message) PlainText() string {
	for _, p := range m.Body {
		if p.Type == "text/plain" {
			return p.Value
		}
	}
	return ""
}

// HasDelivery reports whether addr has at least one delivery receipt.
func (m *Message) HasDelivery(addr string) bool {
	for _, r := range m.Receipts {
		if r.Type == ReceiptDelivery && r.Addr == addr {
			return true
		}
	}
	return false
}

// Delivered reports whether every current non-pending member other than
// self has a delivery receipt. Once latched via DeliveredAt the answer
// stays true regardless of later membership or receipt churn.
func (m *Message) Delivered(members, pending []string, self string) bool {
	if m.DeliveredAt != 0 {
		return true
	}
	pendingSet := make(map[string]struct{}, len(pending))
	for _, p := range pending {
		pendingSet[p] = struct{}{}
	}
	for _, member := range members {
		if member == self {
			continue
		}
		if _, ok := pendingSet[member]; ok {
			continue
		}
		if !m.HasDelivery(member) {
			return false
		}
	}
	return true
}

// QuarantinedEnvelope holds a content message whose sender's identity key
// changed against prior trust. Payload keeps the full envelope body so an
// accepted release can replay it through the normal inbound path.
type QuarantinedEnvelope struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	SourceDevice uint32 `json:"sourceDevice"`
	Timestamp    int64  `json:"timestamp"`
	Payload      []byte `json:"payload"`
	StoredAt     int64  `json:"storedAt"`
}

// IdentityTrust records the last identity-key fingerprint seen for a
// peer address and whether the user has confirmed it.
type IdentityTrust struct {
	Addr        string `json:"addr"`
	Fingerprint string `json:"fingerprint"`
	Trusted     bool   `json:"trusted"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Address identifies a user plus one of their devices.
type Address struct {
	UserID string `json:"userId"`
	Device uint32 `json:"device"`
}

func (a Address) String() string {
	return fmt.Sprintf("%s.%d", a.UserID, a.Device)
}

// NowMillis is the timestamp convention used throughout the core.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
