package librelay

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ForstaLabs/librelay/exchange"
)

// Outcome is the result variant returned by handlers. Stopped aborts a
// handler chain quietly; it is control flow, never a failure.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeStopped
)

// ProcessEnvelope runs one inbound envelope through the dispatcher:
// parse, validate, serialize on the derived queue key, route. Envelopes
// sharing a key (same thread, or same thread-less control channel) are
// processed in arrival order; unrelated streams proceed concurrently.
func (m *Messenger) ProcessEnvelope(ctx context.Context, env *Envelope) error {
	x := exchange.Parse(env.Body)
	x.Flags = env.Flags
	if x.Synthetic {
		// Legacy unstructured bodies carry no identifiers. Derive them
		// deterministically so redelivery stays idempotent and each
		// sender's legacy traffic shares one thread.
		x.MessageID = uuid.NewSHA1(uuid.NameSpaceOID,
			[]byte(fmt.Sprintf("legacy:%s:%d", env.Source, env.Timestamp))).String()
		x.ThreadID = uuid.NewSHA1(uuid.NameSpaceOID,
			[]byte("legacy-thread:"+env.Source)).String()
		x.Sender = exchange.Sender{UserID: env.Source, Device: env.SourceDevice}
	}

	if err := x.Validate(); err != nil {
		if errors.Is(err, exchange.ErrSessionPing) {
			// Session teardown carries no message; drop quietly.
			m.metrics.ExchangesDropped.WithLabelValues("session_ping").Inc()
			return nil
		}
		m.metrics.ExchangesDropped.WithLabelValues("schema").Inc()
		m.log.WithFields(logrus.Fields{
			"source": env.Source,
			"error":  err,
		}).Warn("Dropping malformed exchange")
		return err
	}

	return m.queues.Run(ctx, x.QueueKey(), func(ctx context.Context) error {
		outcome, err := m.route(ctx, env, x)
		if err != nil {
			return err
		}
		if outcome == OutcomeStopped {
			m.metrics.ExchangesDropped.WithLabelValues("stale").Inc()
			return nil
		}
		m.metrics.ExchangesProcessed.WithLabelValues(string(x.MessageType)).Inc()
		return nil
	})
}

func (m *Messenger) route(ctx context.Context, env *Envelope, x *exchange.Exchange) (Outcome, error) {
	switch x.MessageType {
	case exchange.TypeContent:
		return m.handleContent(ctx, env, x)
	case exchange.TypeControl:
		ct, ok := x.Control()
		if !ok {
			name := ""
			if x.Data != nil {
				name = x.Data.Control
			}
			m.metrics.ExchangesDropped.WithLabelValues("unknown_control").Inc()
			m.log.WithFields(logrus.Fields{
				"control": name,
				"source":  env.Source,
			}).Warn("Dropping unrecognized control message")
			return OutcomeApplied, nil
		}
		return m.handleControl(ctx, env, x, ct)
	}
	// Validate already rejected other types.
	return OutcomeApplied, fmt.Errorf("unreachable message type %q", x.MessageType)
}

// checkStaleness applies the age ceilings: call signaling past the fixed
// ceiling and sync requests past the configured one stop quietly.
func (m *Messenger) checkStaleness(env *Envelope, ct exchange.ControlType) Outcome {
	switch {
	case ct.IsCallSignaling():
		if env.Age > m.cfg.Dispatcher.CallStalenessMax {
			m.log.WithFields(logrus.Fields{
				"control": ct,
				"age":     env.Age,
			}).Debug("Stopping stale call signaling")
			return OutcomeStopped
		}
	case ct == exchange.ControlSyncRequest:
		if env.Age > m.cfg.Dispatcher.SyncStalenessMax {
			m.log.WithFields(logrus.Fields{
				"age": env.Age,
			}).Debug("Stopping stale sync request")
			return OutcomeStopped
		}
	}
	return OutcomeApplied
}
