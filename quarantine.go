package librelay

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ForstaLabs/librelay/model"
	"github.com/ForstaLabs/librelay/store"
)

// checkIdentity gates an inbound envelope whose sender's identity key
// changed. A first-contact key is recorded and trusted automatically; a
// key that contradicts prior trust parks the envelope in quarantine and
// asks the embedder. Returns true when the envelope was quarantined and
// must not be processed further.
func (m *Messenger) checkIdentity(ctx context.Context, env *Envelope) (bool, error) {
	tr, err := m.store.GetTrust(ctx, env.Source)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if tr == nil {
		// First contact: record and trust.
		return false, m.store.PutTrust(ctx, &model.IdentityTrust{
			Addr:        env.Source,
			Fingerprint: env.KeyChange,
			Trusted:     true,
			UpdatedAt:   model.NowMillis(),
		})
	}
	if tr.Fingerprint == env.KeyChange && tr.Trusted {
		// The transport re-reported a change the user already accepted.
		return false, nil
	}

	// Record the contested key untrusted so the send pipeline is gated
	// on the same decision until the user resolves it.
	err = m.store.PutTrust(ctx, &model.IdentityTrust{
		Addr:        env.Source,
		Fingerprint: env.KeyChange,
		Trusted:     false,
		UpdatedAt:   model.NowMillis(),
	})
	if err != nil {
		return false, err
	}

	q := &model.QuarantinedEnvelope{
		ID:           uuid.New().String(),
		Source:       env.Source,
		SourceDevice: env.SourceDevice,
		Timestamp:    env.Timestamp,
		Payload:      env.Body,
		StoredAt:     model.NowMillis(),
	}
	if err := m.store.PutQuarantine(ctx, q); err != nil {
		return false, err
	}
	m.log.WithFields(logrus.Fields{
		"source":     env.Source,
		"quarantine": q.ID,
	}).Warn("Identity key changed, envelope quarantined")

	m.cbMu.RLock()
	cb := m.trustConflictCB
	m.cbMu.RUnlock()
	if cb != nil && cb(TrustConflict{
		Addr:           env.Source,
		OldFingerprint: tr.Fingerprint,
		NewFingerprint: env.KeyChange,
		QuarantineID:   q.ID,
	}) {
		if err := m.AcceptIdentity(ctx, env.Source, env.KeyChange); err != nil {
			return true, err
		}
	}
	return true, nil
}

// AcceptIdentity records a user decision to trust a peer's new identity
// key and releases that peer's quarantined envelopes back through the
// inbound pipeline.
func (m *Messenger) AcceptIdentity(ctx context.Context, addr, fingerprint string) error {
	err := m.store.PutTrust(ctx, &model.IdentityTrust{
		Addr:        addr,
		Fingerprint: fingerprint,
		Trusted:     true,
		UpdatedAt:   model.NowMillis(),
	})
	if err != nil {
		return err
	}

	held, err := m.store.Quarantined(ctx)
	if err != nil {
		return err
	}
	for _, q := range held {
		if q.Source != addr {
			continue
		}
		if err := m.store.DeleteQuarantine(ctx, q.ID); err != nil {
			return err
		}
		env := &Envelope{
			Source:       q.Source,
			SourceDevice: q.SourceDevice,
			Timestamp:    q.Timestamp,
			Body:         q.Payload,
		}
		if err := m.ProcessEnvelope(ctx, env); err != nil {
			m.log.WithFields(logrus.Fields{
				"source":     addr,
				"quarantine": q.ID,
				"error":      err,
			}).Warn("Released quarantined envelope failed to process")
		}
	}
	return nil
}

// RejectIdentity discards a peer's quarantined envelopes without
// changing trust.
func (m *Messenger) RejectIdentity(ctx context.Context, addr string) error {
	held, err := m.store.Quarantined(ctx)
	if err != nil {
		return err
	}
	for _, q := range held {
		if q.Source != addr {
			continue
		}
		if err := m.store.DeleteQuarantine(ctx, q.ID); err != nil {
			return err
		}
	}
	return nil
}

// Quarantined lists envelopes currently held for identity review.
func (m *Messenger) Quarantined(ctx context.Context) ([]*model.QuarantinedEnvelope, error) {
	return m.store.Quarantined(ctx)
}
