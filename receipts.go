package librelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ForstaLabs/librelay/config"
	"github.com/ForstaLabs/librelay/exchange"
	"github.com/ForstaLabs/librelay/model"
)

// ApplyReceipt records one delivery/read/error acknowledgement.
// Receipts sharing a message id apply in arrival order; receipts naming
// an unknown message are parked and replayed once the content arrives.
func (m *Messenger) ApplyReceipt(ctx context.Context, ev ReceiptEvent) error {
	if ev.MessageID == "" {
		return fmt.Errorf("receipt missing message id")
	}
	return m.queues.Run(ctx, "receipts:"+ev.MessageID, func(ctx context.Context) error {
		return m.applyReceipt(ctx, ev)
	})
}

// applyReceipt applies one receipt. Callers hold the message's receipt
// queue key, which orders application, parking and replay for a given
// message id: a receipt checked against the store either finds the
// message or is parked before any drain for that id runs.
func (m *Messenger) applyReceipt(ctx context.Context, ev ReceiptEvent) error {
	msg, err := m.getMessage(ctx, ev.MessageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.park(ev)
			return nil
		}
		return err
	}

	if ev.Type == model.ReceiptRead {
		// A read-mark catching up with its message.
		return m.mutateThread(ctx, msg.ThreadID, func(th *model.Thread) error {
			th.MarkRead(ev.Addr, ev.Timestamp)
			return nil
		})
	}

	updated, err := m.store.AppendReceipt(ctx, msg.ID, model.Receipt{
		Type:      ev.Type,
		Addr:      ev.Addr,
		Device:    ev.Device,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		return err
	}

	// Delivered status latches: once every current non-pending member
	// has delivered, later receipt or membership churn cannot revoke it.
	if updated.DeliveredAt == 0 &&
		updated.Delivered(updated.Members, updated.PendingMembers, m.self.UserID) {
		updated.DeliveredAt = model.NowMillis()
		if err := m.store.PutMessage(ctx, updated); err != nil {
			return err
		}
	}
	m.emitMessage(updated)
	return nil
}

// park shelves a receipt that outran its message.
func (m *Messenger) park(ev ReceiptEvent) {
	m.mu.Lock()
	m.parked[ev.MessageID] = append(m.parked[ev.MessageID], ev)
	m.mu.Unlock()
	m.metrics.ReceiptsParked.Inc()
}

// drainParked schedules replay of receipts that outran their message,
// in their original arrival order. The replay runs under the message's
// receipt queue key, serialized against live receipt application, so a
// receipt cannot slip into the parked map after its drain has run.
// Callers must have persisted the message before calling.
func (m *Messenger) drainParked(msgID string) {
	m.queues.Go("receipts:"+msgID, func(ctx context.Context) error {
		m.mu.Lock()
		pending := m.parked[msgID]
		delete(m.parked, msgID)
		m.mu.Unlock()

		for _, ev := range pending {
			if err := m.applyReceipt(ctx, ev); err != nil {
				m.log.WithFields(logrus.Fields{
					"message": msgID,
					"type":    ev.Type,
					"error":   err,
				}).Warn("Parked receipt replay failed")
				continue
			}
			m.metrics.ReceiptsReplayed.Inc()
		}
		return nil
	})
}

// markMessagesRead flags every unread message at or below level as
// read, reconciling the unread counter. Callers hold the thread key.
func (m *Messenger) markMessagesRead(ctx context.Context, th *model.Thread, level int64) error {
	unread, err := m.store.UnreadByThread(ctx, th.ID)
	if err != nil {
		return err
	}
	now := model.NowMillis()
	for _, msg := range unread {
		if msg.Sent > level {
			continue
		}
		msg.Read = true
		msg.ReadAt = now
		if msg.Expiration > 0 && msg.ExpirationStart < now {
			msg.ExpirationStart = now
		}
		if err := m.store.PutMessage(ctx, msg); err != nil {
			return err
		}
		m.scheduleExpiration(msg)
		if th.Unread > 0 {
			th.Unread--
		}
	}
	return nil
}

// MarkRead records that the local user read the given messages: the
// records are flagged read (starting expiration clocks), the thread's
// unread count reconciles, and the acknowledgement is buffered for the
// batched read-sync flush rather than sent immediately.
func (m *Messenger) MarkRead(ctx context.Context, threadID string, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	now := model.NowMillis()
	var maxTS int64

	err := m.queues.Run(ctx, "thread:"+threadID, func(ctx context.Context) error {
		th, err := m.GetThread(ctx, threadID)
		if err != nil {
			return err
		}
		for _, id := range messageIDs {
			msg, err := m.getMessage(ctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			if msg.Read {
				continue
			}
			msg.Read = true
			msg.ReadAt = now
			if msg.Expiration > 0 && msg.ExpirationStart < now {
				msg.ExpirationStart = now
			}
			if err := m.store.PutMessage(ctx, msg); err != nil {
				return err
			}
			m.scheduleExpiration(msg)
			if msg.Sent > maxTS {
				maxTS = msg.Sent
			}
			if th.Unread > 0 {
				th.Unread--
			}
			m.readsync.add(ReadEvent{
				ThreadID:  threadID,
				MessageID: id,
				Sender:    msg.Sender,
				Timestamp: msg.Sent,
			})
		}
		if maxTS > th.ReadLevel {
			th.ReadLevel = maxTS
		}
		if err := m.store.PutThread(ctx, th); err != nil {
			return err
		}
		m.emitThreadChange(th)
		return nil
	})
	return err
}

// flushReadMarks emits one read-mark control per affected thread
// carrying that thread's highest read timestamp, then hands the full
// pre-reduction event list to the multi-device sync callback.
func (m *Messenger) flushReadMarks(events []ReadEvent) {
	if len(events) == 0 {
		return
	}
	perThread := make(map[string]int64)
	for _, ev := range events {
		if ev.Timestamp > perThread[ev.ThreadID] {
			perThread[ev.ThreadID] = ev.Timestamp
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for threadID, ts := range perThread {
		err := m.sendControlToThread(ctx, threadID, exchange.ControlReadMark, &exchange.Data{
			ReadMark: &exchange.ReadMark{Sender: m.self.UserID, ReadLevel: ts},
		})
		if err != nil {
			m.log.WithFields(logrus.Fields{
				"thread": threadID,
				"error":  err,
			}).Warn("Read-mark flush failed")
			continue
		}
		m.metrics.ReadMarksFlushed.Inc()
	}

	m.cbMu.RLock()
	cb := m.readSyncCB
	m.cbMu.RUnlock()
	if cb != nil {
		cb(events)
	}
}

// readSyncBuffer accumulates read acknowledgements. Events dedupe by
// stringified identity; the buffer flushes after a bounded delay or at
// a size ceiling, whichever first.
type readSyncBuffer struct {
	mu      sync.Mutex
	events  []ReadEvent
	seen    map[string]struct{}
	timer   *time.Timer
	cfg     config.ReadSyncConfig
	flushFn func([]ReadEvent)
	log     *logrus.Logger
	started bool
}

func newReadSyncBuffer(cfg config.ReadSyncConfig, flushFn func([]ReadEvent), log *logrus.Logger) *readSyncBuffer {
	return &readSyncBuffer{
		seen:    make(map[string]struct{}),
		cfg:     cfg,
		flushFn: flushFn,
		log:     log,
	}
}

func (b *readSyncBuffer) start() {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
}

func (b *readSyncBuffer) stop() {
	b.mu.Lock()
	b.started = false
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	b.Flush()
}

func (ev ReadEvent) identity() string {
	return fmt.Sprintf("%s|%s|%s|%d", ev.ThreadID, ev.MessageID, ev.Sender, ev.Timestamp)
}

func (b *readSyncBuffer) add(ev ReadEvent) {
	b.mu.Lock()
	if _, dup := b.seen[ev.identity()]; dup {
		b.mu.Unlock()
		return
	}
	b.seen[ev.identity()] = struct{}{}
	b.events = append(b.events, ev)
	full := len(b.events) >= b.cfg.MaxBuffered
	if !full && b.timer == nil && b.started {
		b.timer = time.AfterFunc(b.cfg.FlushDelay, b.Flush)
	}
	b.mu.Unlock()

	if full {
		b.Flush()
	}
}

// Flush drains the buffer through the flush function.
func (b *readSyncBuffer) Flush() {
	b.mu.Lock()
	events := b.events
	b.events = nil
	b.seen = make(map[string]struct{})
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if len(events) > 0 {
		b.flushFn(events)
	}
}
