package librelay

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/ForstaLabs/librelay/exchange"
	"github.com/ForstaLabs/librelay/model"
	"github.com/ForstaLabs/librelay/store"
)

// handleContent processes an inbound content exchange. Callers hold the
// thread queue key, which serializes all mutation of the target thread.
func (m *Messenger) handleContent(ctx context.Context, env *Envelope, x *exchange.Exchange) (Outcome, error) {
	fromSelf := m.isSelf(env.Source)

	if env.KeyChange != "" && !fromSelf {
		quarantined, err := m.checkIdentity(ctx, env)
		if err != nil {
			return OutcomeApplied, err
		}
		if quarantined {
			return OutcomeStopped, nil
		}
	}
	if m.IsBlocked(env.Source) && !fromSelf {
		m.metrics.ExchangesDropped.WithLabelValues("blocked_user").Inc()
		return OutcomeStopped, nil
	}

	th, err := m.ensureThread(ctx, x)
	if err != nil {
		return OutcomeApplied, err
	}
	if th.Blocked && !fromSelf {
		// Blocked threads discard mutations from non-self senders.
		m.metrics.ExchangesDropped.WithLabelValues("blocked_thread").Inc()
		m.log.WithFields(logrus.Fields{
			"thread": th.ID,
			"source": env.Source,
		}).Debug("Discarding content for blocked thread")
		return OutcomeStopped, nil
	}
	if th.Archived {
		th.Archived = false
		if err := m.store.PutThread(ctx, th); err != nil {
			return OutcomeApplied, err
		}
		m.emitThreadChange(th)
	}

	msg := m.messageFromExchange(env, x, th)
	if err := m.store.PutMessage(ctx, msg); err != nil {
		return OutcomeApplied, err
	}

	// Receipts and read-marks that raced ahead of the content replay
	// once the receipt lane for this id is free.
	m.drainParked(msg.ID)

	if msg.MessageRef != "" {
		if err := m.attachReply(ctx, msg); err != nil {
			return OutcomeApplied, err
		}
	} else {
		if err := m.appendToThread(ctx, th, msg); err != nil {
			return OutcomeApplied, err
		}
	}

	if msg.Flags.Has(model.FlagExpirationTimerUpdate) && env.ExpireTimer >= 0 {
		th.Expiration = env.ExpireTimer
		if err := m.store.PutThread(ctx, th); err != nil {
			return OutcomeApplied, err
		}
		m.emitThreadChange(th)
	}

	m.emitMessage(msg)
	return OutcomeApplied, nil
}

// messageFromExchange lifts a persisted Message out of an exchange plus
// its envelope metadata, snapshotting current thread membership.
func (m *Messenger) messageFromExchange(env *Envelope, x *exchange.Exchange, th *model.Thread) *model.Message {
	now := model.NowMillis()
	msg := &model.Message{
		ID:             x.MessageID,
		ThreadID:       th.ID,
		Sender:         env.Source,
		SenderDevice:   env.SourceDevice,
		Sent:           x.SentTime(env.Timestamp),
		Received:       now,
		Timestamp:      env.Timestamp,
		Expiration:     th.Expiration,
		Flags:          env.Flags,
		UserAgent:      x.UserAgent,
		Attachments:    env.Attachments,
		PendingMembers: append([]string(nil), th.PendingMembers...),
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = now
	}
	if env.ExpireTimer > 0 {
		msg.Expiration = env.ExpireTimer
	}
	if x.Data != nil {
		msg.Body = x.Data.Body
		msg.Mentions = x.Data.Mentions
		msg.MessageRef = x.Data.MessageRef
		if x.Data.Vote != nil {
			msg.Vote = *x.Data.Vote
		}
		if len(x.Data.Attachments) > 0 {
			msg.Attachments = append(msg.Attachments, x.Data.Attachments...)
		}
	}
	return msg
}

// attachReply folds a reply or vote into its referenced message instead
// of the thread's primary sequence. The reference chain is walked via
// getMessage, so replies to replies resolve.
func (m *Messenger) attachReply(ctx context.Context, msg *model.Message) error {
	parent, err := m.getMessage(ctx, msg.MessageRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Replying to a vanished message: warn and no-op.
			m.log.WithFields(logrus.Fields{
				"message": msg.ID,
				"ref":     msg.MessageRef,
			}).Warn("Reply references unknown message")
			return nil
		}
		return err
	}
	if msg.Vote != 0 {
		parent.VoteScore += msg.Vote
	} else {
		parent.Replies = append(parent.Replies, msg.ID)
	}
	if err := m.store.PutMessage(ctx, parent); err != nil {
		return err
	}
	m.emitMessage(parent)
	return nil
}

// getMessage resolves a message id, including ids that are themselves
// replies (their records persist like any other message).
func (m *Messenger) getMessage(ctx context.Context, id string) (*model.Message, error) {
	msg, err := m.store.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return msg, err
}

// GetMessage returns a message by id.
func (m *Messenger) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return m.getMessage(ctx, id)
}

// appendToThread updates the thread's rolling timestamp, last-message
// preview and unread counter. Callers hold the thread queue key; two
// near-simultaneous arrivals cannot lose an unread increment.
func (m *Messenger) appendToThread(ctx context.Context, th *model.Thread, msg *model.Message) error {
	if msg.Sent > th.Timestamp {
		th.Timestamp = msg.Sent
	}
	if preview := msg.PlainText(); preview != "" {
		th.LastMessage = preview
	}
	th.Sender = msg.Sender
	if !m.isSelf(msg.Sender) {
		th.Unread++
	}
	if err := m.store.PutThread(ctx, th); err != nil {
		return err
	}
	m.emitThreadChange(th)
	return nil
}
