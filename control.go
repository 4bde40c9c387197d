package librelay

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ForstaLabs/librelay/exchange"
	"github.com/ForstaLabs/librelay/model"
)

// handleControl routes a control exchange through the closed variant
// set. Privileged variants are rejected unless they originate from one
// of the local user's own devices; call signaling and sync requests are
// stopped quietly past their age ceilings.
func (m *Messenger) handleControl(ctx context.Context, env *Envelope, x *exchange.Exchange, ct exchange.ControlType) (Outcome, error) {
	if ct.RequiresSelfSender() && !m.isSelf(env.Source) {
		m.metrics.ExchangesDropped.WithLabelValues("self_only").Inc()
		m.log.WithFields(logrus.Fields{
			"control": ct,
			"source":  env.Source,
		}).Warn("Privileged control from foreign device rejected")
		return OutcomeApplied, fmt.Errorf("%w: %s from %s", ErrSelfOnly, ct, env.Source)
	}
	if m.checkStaleness(env, ct) == OutcomeStopped {
		return OutcomeStopped, nil
	}

	switch ct {
	case exchange.ControlThreadUpdate:
		return m.ctrlThreadUpdate(ctx, env, x)
	case exchange.ControlThreadArchive:
		return m.ctrlThreadFlag(ctx, x, func(th *model.Thread) { th.Archived = true })
	case exchange.ControlThreadRestore:
		return m.ctrlThreadFlag(ctx, x, func(th *model.Thread) { th.Archived = false })
	case exchange.ControlThreadExpunge:
		return m.ctrlThreadExpunge(ctx, x)
	case exchange.ControlReadMark:
		return m.ctrlReadMark(ctx, env, x)
	case exchange.ControlCloseSession:
		return m.ctrlCloseSession(ctx, env, x)
	case exchange.ControlUserBlock, exchange.ControlUserUnblock:
		return m.ctrlUserBlock(ctx, x, ct == exchange.ControlUserBlock)
	case exchange.ControlSyncRequest:
		m.cbMu.RLock()
		cb := m.syncRequestCB
		m.cbMu.RUnlock()
		if cb != nil {
			cb(env.SourceDevice)
		}
		return OutcomeApplied, nil
	case exchange.ControlSyncResponse:
		// Sync payloads are content exchanges in their own right; the
		// embedder replays them through ProcessEnvelope.
		return OutcomeApplied, nil
	case exchange.ControlPendingMessage:
		m.cbMu.RLock()
		cb := m.pendingCB
		m.cbMu.RUnlock()
		if cb != nil {
			cb(env)
		}
		return OutcomeApplied, nil
	case exchange.ControlCallJoin, exchange.ControlCallOffer,
		exchange.ControlCallAcceptOffer, exchange.ControlCallICE,
		exchange.ControlCallLeave, exchange.ControlCallHeartbeat:
		return m.ctrlCallSignal(ctx, env, x, ct)
	case exchange.ControlDiscover, exchange.ControlProvisionRequest,
		exchange.ControlPreMessageCheck, exchange.ControlBeacon:
		m.log.WithFields(logrus.Fields{
			"control": ct,
			"source":  env.Source,
		}).Debug("Acknowledged control")
		return OutcomeApplied, nil
	}
	return OutcomeApplied, fmt.Errorf("unhandled control %q", ct)
}

func (m *Messenger) ctrlThreadUpdate(ctx context.Context, env *Envelope, x *exchange.Exchange) (Outcome, error) {
	th, err := m.ensureThread(ctx, x)
	if err != nil {
		return OutcomeApplied, err
	}
	if th.Blocked && !m.isSelf(env.Source) {
		return OutcomeStopped, nil
	}
	var updates *exchange.ThreadUpdates
	if x.Data != nil {
		updates = x.Data.ThreadUpdates
	}
	if err := m.applyThreadUpdates(ctx, th, updates); err != nil {
		return OutcomeApplied, err
	}
	if err := m.store.PutThread(ctx, th); err != nil {
		return OutcomeApplied, err
	}
	m.emitThreadChange(th)
	return OutcomeApplied, nil
}

func (m *Messenger) ctrlThreadFlag(ctx context.Context, x *exchange.Exchange, mutate func(*model.Thread)) (Outcome, error) {
	th, err := m.GetThread(ctx, x.ThreadID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.log.WithFields(logrus.Fields{"thread": x.ThreadID}).Warn("Control for unknown thread")
			return OutcomeApplied, nil
		}
		return OutcomeApplied, err
	}
	mutate(th)
	if err := m.store.PutThread(ctx, th); err != nil {
		return OutcomeApplied, err
	}
	m.emitThreadChange(th)
	return OutcomeApplied, nil
}

func (m *Messenger) ctrlThreadExpunge(ctx context.Context, x *exchange.Exchange) (Outcome, error) {
	if _, err := m.GetThread(ctx, x.ThreadID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return OutcomeApplied, nil
		}
		return OutcomeApplied, err
	}
	return OutcomeApplied, m.expungeThreadDirect(ctx, x.ThreadID)
}

// ctrlReadMark applies a peer's read horizon to the thread, or, when it
// names a message not yet known, parks it as a read receipt to replay
// on arrival.
func (m *Messenger) ctrlReadMark(ctx context.Context, env *Envelope, x *exchange.Exchange) (Outcome, error) {
	if x.Data == nil || x.Data.ReadMark == nil {
		return OutcomeApplied, fmt.Errorf("%w: readMark missing payload", exchange.ErrSchemaViolation)
	}
	rm := x.Data.ReadMark

	if rm.MessageID != "" {
		if _, err := m.getMessage(ctx, rm.MessageID); errors.Is(err, ErrNotFound) {
			// Hand the mark to the message's receipt lane, where it is
			// parked or applied depending on what that lane has seen.
			ev := ReceiptEvent{
				Type:      model.ReceiptRead,
				MessageID: rm.MessageID,
				Addr:      env.Source,
				Device:    env.SourceDevice,
				Timestamp: rm.ReadLevel,
			}
			m.queues.Go("receipts:"+ev.MessageID, func(ctx context.Context) error {
				return m.applyReceipt(ctx, ev)
			})
			return OutcomeApplied, nil
		}
	}

	th, err := m.GetThread(ctx, x.ThreadID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return OutcomeApplied, nil
		}
		return OutcomeApplied, err
	}
	th.MarkRead(env.Source, rm.ReadLevel)
	if m.isSelf(env.Source) && rm.ReadLevel > th.ReadLevel {
		// Another of our devices read further than we have.
		th.ReadLevel = rm.ReadLevel
		if err := m.markMessagesRead(ctx, th, rm.ReadLevel); err != nil {
			return OutcomeApplied, err
		}
	}
	if err := m.store.PutThread(ctx, th); err != nil {
		return OutcomeApplied, err
	}
	m.emitThreadChange(th)
	return OutcomeApplied, nil
}

// ctrlCloseSession queues gap-filling retransmission for each named
// timestamp. Duplicate (address, timestamp) pairs are dropped to break
// retransmit loops.
func (m *Messenger) ctrlCloseSession(ctx context.Context, env *Envelope, x *exchange.Exchange) (Outcome, error) {
	if x.Data == nil || len(x.Data.Retransmits) == 0 {
		return OutcomeApplied, nil
	}
	for _, r := range x.Data.Retransmits {
		m.retrans.request(env.Source, r.Timestamp)
	}
	return OutcomeApplied, nil
}

func (m *Messenger) ctrlUserBlock(ctx context.Context, x *exchange.Exchange, block bool) (Outcome, error) {
	if x.Data == nil || len(x.Data.Mentions) == 0 {
		return OutcomeApplied, fmt.Errorf("%w: userBlock missing target", exchange.ErrSchemaViolation)
	}
	m.mu.Lock()
	for _, userID := range x.Data.Mentions {
		if block {
			m.blocked[userID] = struct{}{}
		} else {
			delete(m.blocked, userID)
		}
	}
	m.mu.Unlock()
	m.log.WithFields(logrus.Fields{
		"users": x.Data.Mentions,
		"block": block,
	}).Info("Updated user block list")
	return OutcomeApplied, nil
}

// ctrlCallSignal forwards call signaling to the embedder, ordered per
// signaling peer.
func (m *Messenger) ctrlCallSignal(ctx context.Context, env *Envelope, x *exchange.Exchange, ct exchange.ControlType) (Outcome, error) {
	m.cbMu.RLock()
	cb := m.callSignalCB
	m.cbMu.RUnlock()
	if cb == nil || x.Data == nil {
		return OutcomeApplied, nil
	}
	peer := env.Source
	if x.Data.PeerID != "" {
		peer = x.Data.PeerID
	}
	signal := CallSignal{Control: string(ct), CallID: x.Data.CallID, Data: x.Data.CallSignal}
	m.queues.Go("callpeer:"+peer, func(context.Context) error {
		cb(peer, signal)
		return nil
	})
	return OutcomeApplied, nil
}
