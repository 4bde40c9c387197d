package librelay

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ForstaLabs/librelay/model"
)

// scheduleExpiration arms (or re-arms) a message's self-destruct timer.
// The clock starts at the later of its recorded start and first read;
// messages without an expiration window or a started clock are left
// alone.
func (m *Messenger) scheduleExpiration(msg *model.Message) {
	if msg.Expiration <= 0 || msg.ExpirationStart <= 0 {
		return
	}
	deadline := time.UnixMilli(msg.ExpirationStart).Add(time.Duration(msg.Expiration) * time.Second)
	wait := time.Until(deadline)
	if wait < 0 {
		wait = 0
	}

	id := msg.ID
	m.mu.Lock()
	if old, ok := m.timers[id]; ok {
		old.Stop()
	}
	m.timers[id] = time.AfterFunc(wait, func() {
		m.expireMessage(id)
	})
	m.mu.Unlock()
}

// cancelExpiration disarms a pending self-destruct.
func (m *Messenger) cancelExpiration(msgID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[msgID]; ok {
		t.Stop()
		delete(m.timers, msgID)
	}
}

// expireMessage fires a self-destruct: the expired event goes out
// first, then the message leaves its thread, then the record is
// deleted. The event precedes deletion so bound UI can react before
// the record vanishes.
func (m *Messenger) expireMessage(msgID string) {
	m.mu.Lock()
	delete(m.timers, msgID)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msg, err := m.getMessage(ctx, msgID)
	if err != nil {
		return
	}

	m.cbMu.RLock()
	cb := m.expiredCB
	m.cbMu.RUnlock()
	if cb != nil {
		cb(msg)
	}

	err = m.queues.Run(ctx, "thread:"+msg.ThreadID, func(ctx context.Context) error {
		if err := m.store.DeleteMessage(ctx, msgID); err != nil {
			return err
		}
		th, err := m.GetThread(ctx, msg.ThreadID)
		if err != nil {
			return nil
		}
		if th.LastMessage == msg.PlainText() {
			th.LastMessage = ""
			if err := m.store.PutThread(ctx, th); err != nil {
				return err
			}
			m.emitThreadChange(th)
		}
		return nil
	})
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"message": msgID,
			"error":   err,
		}).Warn("Message expiration cleanup failed")
	}
}
