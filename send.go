package librelay

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ForstaLabs/librelay/exchange"
	"github.com/ForstaLabs/librelay/model"
	"github.com/ForstaLabs/librelay/store"
)

// SendOptions describes an outbound content message.
type SendOptions struct {
	Text        string
	HTML        string
	Attachments []string
	Mentions    []string

	// MessageRef marks the message as a reply to another; Vote folds it
	// into the referenced message's score instead.
	MessageRef string
	Vote       int
}

// SendMessage originates a content message on a thread. Sends on the
// same thread serialize; the returned message carries the membership
// snapshot and its initial sent receipt.
func (m *Messenger) SendMessage(ctx context.Context, threadID string, opts SendOptions) (*model.Message, error) {
	var out *model.Message
	err := m.queues.Run(ctx, "thread:"+threadID, func(ctx context.Context) error {
		th, err := m.GetThread(ctx, threadID)
		if err != nil {
			return err
		}
		dist := m.repairDistribution(ctx, th)
		if dist == nil {
			return fmt.Errorf("thread %s has no resolvable distribution", threadID)
		}

		addrs := m.recipientAddrs(th, dist.UserIDs)
		if err := m.confirmIdentities(ctx, addrs); err != nil {
			return err
		}

		now := model.NowMillis()
		body := make([]model.BodyPart, 0, 2)
		if opts.Text != "" {
			body = append(body, model.BodyPart{Type: "text/plain", Value: opts.Text})
		}
		if opts.HTML != "" {
			body = append(body, model.BodyPart{Type: "text/html", Value: opts.HTML})
		}

		msg := &model.Message{
			ID:             uuid.New().String(),
			ThreadID:       th.ID,
			Sender:         m.self.UserID,
			SenderDevice:   m.self.Device,
			Sent:           now,
			Timestamp:      now,
			Read:           true,
			Expiration:     th.Expiration,
			Body:           body,
			Attachments:    opts.Attachments,
			Mentions:       opts.Mentions,
			MessageRef:     opts.MessageRef,
			Vote:           opts.Vote,
			Members:        append([]string(nil), dist.UserIDs...),
			PendingMembers: append([]string(nil), th.PendingMembers...),
		}

		x := exchange.NewContent(msg.ID, th.ID, th.Type, m.selfSender(), th.Distribution, body)
		x.ThreadTitle = th.TitleFallback
		if x.Data != nil {
			x.Data.Attachments = opts.Attachments
			x.Data.Mentions = opts.Mentions
			x.Data.MessageRef = opts.MessageRef
			if opts.Vote != 0 {
				v := opts.Vote
				x.Data.Vote = &v
			}
		}
		encoded, err := x.Encode()
		if err != nil {
			return err
		}

		if err := m.store.PutMessage(ctx, msg); err != nil {
			return err
		}
		if msg.MessageRef == "" {
			if err := m.appendToThread(ctx, th, msg); err != nil {
				return err
			}
		} else if err := m.attachReply(ctx, msg); err != nil {
			return err
		}

		sendErr := m.trans.Send(ctx, SendRequest{
			Addrs:       addrs,
			ThreadID:    th.ID,
			Body:        encoded,
			Attachments: opts.Attachments,
			Timestamp:   now,
			Expiration:  msg.Expiration,
		})

		// Monitors ride along regardless of primary outcome; their
		// failures never surface.
		m.forwardToMonitors(ctx, dist.MonitorIDs, th.ID, encoded, now)

		if sendErr != nil {
			if _, rerr := m.store.AppendReceipt(ctx, msg.ID, model.Receipt{
				Type:      model.ReceiptError,
				Timestamp: model.NowMillis(),
				Error:     sendErr.Error(),
			}); rerr != nil {
				m.log.WithFields(logrus.Fields{"message": msg.ID, "error": rerr}).Error("Recording send failure failed")
			}
			return sendErr
		}

		updated, err := m.store.AppendReceipt(ctx, msg.ID, model.Receipt{
			Type:      model.ReceiptSent,
			Addr:      m.self.UserID,
			Device:    m.self.Device,
			Timestamp: model.NowMillis(),
		})
		if err != nil {
			return err
		}
		m.emitMessage(updated)
		out = updated
		return nil
	})
	return out, err
}

// SendControl originates a control message to explicit recipients.
func (m *Messenger) SendControl(ctx context.Context, threadID string, ct exchange.ControlType, data *exchange.Data, addrs []string) error {
	x := exchange.NewControl(uuid.New().String(), threadID, m.selfSender(), "", ct, data)
	encoded, err := x.Encode()
	if err != nil {
		return err
	}
	return m.trans.Send(ctx, SendRequest{
		Addrs:     addrs,
		ThreadID:  threadID,
		Body:      encoded,
		Timestamp: model.NowMillis(),
	})
}

// sendSelfControl converges the local user's other devices on a state
// change.
func (m *Messenger) sendSelfControl(ctx context.Context, threadID string, ct exchange.ControlType, data *exchange.Data) error {
	return m.SendControl(ctx, threadID, ct, data, []string{m.self.UserID})
}

// sendControlToThread addresses a control to a thread's current
// members.
func (m *Messenger) sendControlToThread(ctx context.Context, threadID string, ct exchange.ControlType, data *exchange.Data) error {
	th, err := m.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	dist, err := m.resolver.Resolve(ctx, th.Distribution)
	if err != nil {
		return err
	}
	return m.SendControl(ctx, threadID, ct, data, m.recipientAddrs(th, dist.UserIDs))
}

// recipientAddrs is the effective address set: the full member list
// minus members whose access is still pending.
func (m *Messenger) recipientAddrs(th *model.Thread, members []string) []string {
	pending := make(map[string]struct{}, len(th.PendingMembers))
	for _, p := range th.PendingMembers {
		pending[p] = struct{}{}
	}
	addrs := make([]string, 0, len(members))
	for _, u := range members {
		if _, isPending := pending[u]; isPending {
			continue
		}
		addrs = append(addrs, u)
	}
	return addrs
}

// forwardToMonitors mirrors an outbound exchange to configured monitor
// addresses. Best effort only.
func (m *Messenger) forwardToMonitors(ctx context.Context, monitors []string, threadID string, body []byte, ts int64) {
	if len(monitors) == 0 {
		return
	}
	if err := m.trans.Send(ctx, SendRequest{
		Addrs:     monitors,
		ThreadID:  threadID,
		Body:      body,
		Timestamp: ts,
	}); err != nil {
		m.log.WithFields(logrus.Fields{
			"thread":   threadID,
			"monitors": len(monitors),
			"error":    err,
		}).Debug("Monitor forwarding failed")
	}
}

// confirmIdentities gates a send on unresolved identity-key changes for
// any recipient, escalating to the trust prompt. Without an accepting
// prompt the send fails.
func (m *Messenger) confirmIdentities(ctx context.Context, addrs []string) error {
	for _, addr := range addrs {
		if m.isSelf(addr) {
			continue
		}
		tr, err := m.store.GetTrust(ctx, addr)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		if tr.Trusted {
			continue
		}
		m.cbMu.RLock()
		cb := m.trustConflictCB
		m.cbMu.RUnlock()
		if cb == nil || !cb(TrustConflict{Addr: addr, NewFingerprint: tr.Fingerprint}) {
			return fmt.Errorf("%w: %s", ErrUntrustedIdentity, addr)
		}
		tr.Trusted = true
		tr.UpdatedAt = model.NowMillis()
		if err := m.store.PutTrust(ctx, tr); err != nil {
			return err
		}
	}
	return nil
}

func (m *Messenger) selfSender() exchange.Sender {
	return exchange.Sender{UserID: m.self.UserID, Device: m.self.Device}
}

// exchangeFromMessage rebuilds the wire exchange for a persisted
// message, used when a peer requests retransmission.
func (m *Messenger) exchangeFromMessage(msg *model.Message, th *model.Thread) *exchange.Exchange {
	x := exchange.NewContent(msg.ID, th.ID, th.Type, exchange.Sender{
		UserID: msg.Sender,
		Device: msg.SenderDevice,
	}, th.Distribution, msg.Body)
	x.ThreadTitle = th.TitleFallback
	if x.Data != nil {
		x.Data.Attachments = msg.Attachments
		x.Data.Mentions = msg.Mentions
		x.Data.MessageRef = msg.MessageRef
		if msg.Vote != 0 {
			v := msg.Vote
			x.Data.Vote = &v
		}
	}
	return x
}
