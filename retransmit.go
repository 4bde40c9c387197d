package librelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ForstaLabs/librelay/store"
)

// retransmitter coordinates gap-filling re-sends requested by peers
// whose session broke. Requests dedupe by (address, timestamp) for the
// life of the process, which is the guard that breaks retransmit loops.
// They queue per requesting address and drain when the embedder reports
// the receive pipeline idle.
type retransmitter struct {
	m   *Messenger
	log *logrus.Logger

	mu     sync.Mutex
	seen   map[string]struct{}
	queued map[string][]int64
}

func newRetransmitter(m *Messenger, log *logrus.Logger) *retransmitter {
	return &retransmitter{
		m:      m,
		log:    log,
		seen:   make(map[string]struct{}),
		queued: make(map[string][]int64),
	}
}

// request queues one (address, timestamp) retransmission, dropping
// duplicates.
func (r *retransmitter) request(addr string, ts int64) {
	key := fmt.Sprintf("%s|%d", addr, ts)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[key]; dup {
		return
	}
	r.seen[key] = struct{}{}
	r.queued[addr] = append(r.queued[addr], ts)
}

// drain re-sends every queued message, one serialized lane per target
// address. Per-item failures are logged and skipped, never aborting the
// batch.
func (r *retransmitter) drain() {
	r.mu.Lock()
	batches := r.queued
	r.queued = make(map[string][]int64)
	r.mu.Unlock()

	for addr, stamps := range batches {
		addr, stamps := addr, stamps
		r.m.queues.Go("retransmit:"+addr, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			for _, ts := range stamps {
				if err := r.resend(ctx, addr, ts); err != nil {
					r.log.WithFields(logrus.Fields{
						"addr":      addr,
						"timestamp": ts,
						"error":     err,
					}).Warn("Retransmit failed")
				}
			}
			return nil
		})
	}
}

// resend re-sends the message claimed at ts to only the requesting
// address.
func (r *retransmitter) resend(ctx context.Context, addr string, ts int64) error {
	msg, err := r.m.store.MessageBySent(ctx, ts)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.log.WithFields(logrus.Fields{
				"addr":      addr,
				"timestamp": ts,
			}).Debug("Retransmit target message unknown")
			return nil
		}
		return err
	}
	th, err := r.m.GetThread(ctx, msg.ThreadID)
	if err != nil {
		return err
	}

	x := r.m.exchangeFromMessage(msg, th)
	encoded, err := x.Encode()
	if err != nil {
		return err
	}
	if err := r.m.trans.Send(ctx, SendRequest{
		Addrs:     []string{addr},
		ThreadID:  msg.ThreadID,
		Body:      encoded,
		Timestamp: msg.Sent,
	}); err != nil {
		return err
	}
	r.m.metrics.Retransmits.Inc()
	return nil
}
