package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddNoticeDeduplicates(t *testing.T) {
	th := &Thread{ID: "t1"}

	assert.True(t, th.AddNotice(Notice{ID: "dist-broken", Text: "Distribution broken"}))
	assert.False(t, th.AddNotice(Notice{ID: "dist-broken", Text: "Distribution broken"}))
	assert.True(t, th.AddNotice(Notice{ID: "dist-broken", Text: "Distribution broken again"}))
	assert.Len(t, th.Notices, 2)
}

func TestMarkReadOnlyAdvances(t *testing.T) {
	th := &Thread{ID: "t1"}

	th.MarkRead("u2", 200)
	th.MarkRead("u2", 100)
	assert.Equal(t, int64(200), th.ReadMarks["u2"])

	th.MarkRead("u2", 300)
	assert.Equal(t, int64(300), th.ReadMarks["u2"])
}

func TestDelivered(t *testing.T) {
	members := []string{"self", "u2", "u3"}
	pending := []string{"u3"}

	m := &Message{ID: "m1"}
	assert.False(t, m.Delivered(members, pending, "self"))

	m.Receipts = append(m.Receipts, Receipt{Type: ReceiptDelivery, Addr: "u2", Timestamp: 1})
	assert.True(t, m.Delivered(members, pending, "self"),
		"self and pending members do not count toward delivery")

	// Latch: once delivered, later membership growth cannot revoke it.
	m.DeliveredAt = NowMillis()
	assert.True(t, m.Delivered([]string{"self", "u2", "u4"}, nil, "self"))
}

func TestDeliveredIgnoresOtherReceiptTypes(t *testing.T) {
	m := &Message{ID: "m1", Receipts: []Receipt{
		{Type: ReceiptSent, Addr: "u2", Timestamp: 1},
		{Type: ReceiptError, Addr: "u2", Timestamp: 2},
	}}
	assert.False(t, m.Delivered([]string{"self", "u2"}, nil, "self"))
}

func TestMessageFlags(t *testing.T) {
	f := FlagEndSession | FlagExpirationTimerUpdate
	assert.True(t, f.Has(FlagEndSession))
	assert.True(t, f.Has(FlagExpirationTimerUpdate))
	assert.False(t, MessageFlags(0).Has(FlagEndSession))
}

func TestPlainTextPicksFirstTextPart(t *testing.T) {
	m := &Message{Body: []BodyPart{
		{Type: "text/html", Value: "<b>hi</b>"},
		{Type: "text/plain", Value: "hi"},
	}}
	assert.Equal(t, "hi", m.PlainText())
	assert.Empty(t, (&Message{}).PlainText())
}

func TestAddressString(t *testing.T) {
	assert.Equal(t, "u1.3", Address{UserID: "u1", Device: 3}.String())
}
