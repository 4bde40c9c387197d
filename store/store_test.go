package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ForstaLabs/librelay/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestThreadRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.GetThread(ctx, "t1")
	require.ErrorIs(t, err, ErrNotFound)

	th := &model.Thread{ID: "t1", Type: model.ThreadConversation, Distribution: "<u1>"}
	require.NoError(t, db.PutThread(ctx, th))

	got, err := db.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "<u1>", got.Distribution)

	got.Archived = true
	require.NoError(t, db.PutThread(ctx, got))
	got, err = db.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got.Archived)
}

func TestMessagesByThreadDescending(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, db.PutMessage(ctx, &model.Message{
			ID:        id,
			ThreadID:  "t1",
			Timestamp: int64(100 + i),
		}))
	}

	msgs, err := db.MessagesByThread(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m3", msgs[0].ID, "newest first")
	assert.Equal(t, "m1", msgs[2].ID)

	msgs, err = db.MessagesByThread(ctx, "t1", 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestPutMessageRewriteDoesNotDuplicateIndex(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	m := &model.Message{ID: "m1", ThreadID: "t1", Timestamp: 100}
	require.NoError(t, db.PutMessage(ctx, m))
	m.Read = true
	require.NoError(t, db.PutMessage(ctx, m))

	msgs, err := db.MessagesByThread(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Read)
}

func TestUnreadByThread(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutMessage(ctx, &model.Message{ID: "m1", ThreadID: "t1", Timestamp: 1}))
	require.NoError(t, db.PutMessage(ctx, &model.Message{ID: "m2", ThreadID: "t1", Timestamp: 2, Read: true}))

	unread, err := db.UnreadByThread(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "m1", unread[0].ID)
}

func TestReceiptsArrivalOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutMessage(ctx, &model.Message{ID: "m1", ThreadID: "t1", Timestamp: 1}))

	for i, addr := range []string{"u2", "u3", "u2"} {
		_, err := db.AppendReceipt(ctx, "m1", model.Receipt{
			Type:      model.ReceiptDelivery,
			Addr:      addr,
			Timestamp: int64(i),
		})
		require.NoError(t, err)
	}

	rs, err := db.Receipts(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, rs, 3)
	assert.Equal(t, "u2", rs[0].Addr)
	assert.Equal(t, "u3", rs[1].Addr)

	m, err := db.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, m.Receipts, 3)
}

func TestDeleteMessageRemovesIndexAndReceipts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutMessage(ctx, &model.Message{ID: "m1", ThreadID: "t1", Timestamp: 1}))
	_, err := db.AppendReceipt(ctx, "m1", model.Receipt{Type: model.ReceiptDelivery, Addr: "u2"})
	require.NoError(t, err)

	require.NoError(t, db.DeleteMessage(ctx, "m1"))

	_, err = db.GetMessage(ctx, "m1")
	assert.ErrorIs(t, err, ErrNotFound)
	msgs, err := db.MessagesByThread(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Deleting a vanished message is a no-op, not an error.
	assert.NoError(t, db.DeleteMessage(ctx, "m1"))
}

func TestListThreadsSkipsIndexKeys(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutThread(ctx, &model.Thread{ID: "t1"}))
	require.NoError(t, db.PutThread(ctx, &model.Thread{ID: "t2"}))
	require.NoError(t, db.PutMessage(ctx, &model.Message{ID: "m1", ThreadID: "t1", Timestamp: 1}))

	threads, err := db.ListThreads(ctx)
	require.NoError(t, err)
	assert.Len(t, threads, 2)
}

func TestQuarantineRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	q := &model.QuarantinedEnvelope{ID: "q1", Source: "u2", Payload: []byte(`{}`)}
	require.NoError(t, db.PutQuarantine(ctx, q))

	all, err := db.Quarantined(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "u2", all[0].Source)

	require.NoError(t, db.DeleteQuarantine(ctx, "q1"))
	all, err = db.Quarantined(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestTrustRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.GetTrust(ctx, "u2")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.PutTrust(ctx, &model.IdentityTrust{Addr: "u2", Fingerprint: "fp1", Trusted: true}))
	tr, err := db.GetTrust(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, tr.Trusted)
}
