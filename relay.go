// Package librelay implements the messaging core of a multi-device,
// end-to-end-encrypted chat client: it turns decrypted envelopes from
// the transport layer into durable thread/message state and coordinates
// outbound sends, cross-device read/delivery acknowledgement and
// gap-filling retransmission.
//
// Example:
//
//	msgr, err := librelay.New(librelay.Options{
//	    Self:      model.Address{UserID: "u1", Device: 1},
//	    SelfTag:   "<u1>",
//	    Store:     db,
//	    Directory: directory,
//	    Transport: transport,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	msgr.OnMessage(func(m *model.Message) {
//	    fmt.Printf("message in %s: %s\n", m.ThreadID, m.PlainText())
//	})
//	msgr.Start()
//	defer msgr.Close()
package librelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/ForstaLabs/librelay/config"
	"github.com/ForstaLabs/librelay/model"
	"github.com/ForstaLabs/librelay/queue"
	"github.com/ForstaLabs/librelay/store"
	"github.com/ForstaLabs/librelay/tags"
	"github.com/ForstaLabs/librelay/telemetry"
)

var (
	// ErrSelfOnly reports a privileged control received from a foreign
	// device.
	ErrSelfOnly = errors.New("librelay: control restricted to own devices")
	// ErrThreadBlocked reports a mutation aimed at a blocked thread.
	ErrThreadBlocked = errors.New("librelay: thread is blocked")
	// ErrNotFound reports an absent thread or message where the caller
	// required one.
	ErrNotFound = errors.New("librelay: not found")
	// ErrUntrustedIdentity reports a send declined because the
	// recipient's identity key changed and the user did not re-trust.
	ErrUntrustedIdentity = errors.New("librelay: recipient identity not trusted")
)

// Envelope is one inbound transport event: a decrypted, authenticated
// message body plus sender metadata.
type Envelope struct {
	Source       string
	SourceDevice uint32
	Timestamp    int64
	Age          time.Duration
	Body         []byte
	Flags        model.MessageFlags
	ExpireTimer  int
	Attachments  []string

	// KeyChange carries the sender's new identity-key fingerprint when
	// the transport observed it change, otherwise "".
	KeyChange string
}

// SendRequest is what the core hands the transport for delivery.
type SendRequest struct {
	Addrs       []string
	ThreadID    string
	Body        []byte
	Attachments []string
	Timestamp   int64
	Expiration  int
}

// Transport is the send side of the transport/crypto collaborator.
type Transport interface {
	Send(ctx context.Context, req SendRequest) error
	FetchAttachment(ctx context.Context, id string) ([]byte, error)
}

// ReceiptEvent is one inbound delivery/read/sent acknowledgement.
type ReceiptEvent struct {
	Type      model.ReceiptType
	MessageID string
	Addr      string
	Device    uint32
	Timestamp int64
}

// ReadEvent is one locally-observed read, forwarded in full to the
// multi-device sync mechanism on flush.
type ReadEvent struct {
	ThreadID  string
	MessageID string
	Sender    string
	Timestamp int64
}

// TrustConflict describes an identity-key change needing a user
// decision.
type TrustConflict struct {
	Addr           string
	OldFingerprint string
	NewFingerprint string
	QuarantineID   string
}

// Options configures a Messenger.
type Options struct {
	// Self identifies the local user and device.
	Self model.Address
	// SelfTag is the expression resolving to just the local user, the
	// fallback for threads whose distribution never resolves.
	SelfTag string

	Store     *store.DB
	Directory tags.DirectoryClient
	Transport Transport

	Config     *config.Config
	Logger     *logrus.Logger
	Registerer prometheus.Registerer
}

// Messenger is the messaging core. All inbound processing serializes
// per logical stream through the keyed serializer; unrelated threads
// proceed concurrently.
type Messenger struct {
	self     model.Address
	selfTag  string
	store    *store.DB
	dir      tags.DirectoryClient
	resolver *tags.Resolver
	trans    Transport
	cfg      *config.Config
	log      *logrus.Logger
	metrics  *telemetry.Metrics
	queues   *queue.Serializer

	mu      sync.Mutex
	parked  map[string][]ReceiptEvent
	timers  map[string]*time.Timer
	blocked map[string]struct{}
	running bool

	readsync *readSyncBuffer
	retrans  *retransmitter

	cbMu            sync.RWMutex
	threadChangeCB  func(*model.Thread)
	messageCB       func(*model.Message)
	expiredCB       func(*model.Message)
	pendingCB       func(*Envelope)
	noticeCB        func(threadID string, n model.Notice)
	readSyncCB      func([]ReadEvent)
	callSignalCB    func(peerID string, x CallSignal)
	trustConflictCB func(TrustConflict) bool
	syncRequestCB   func(deviceID uint32)
}

// CallSignal is an opaque call-signaling payload routed to the embedder.
type CallSignal struct {
	Control string
	CallID  string
	Data    []byte
}

// New creates a Messenger. Store, Directory and Transport are required.
func New(opts Options) (*Messenger, error) {
	if opts.Store == nil || opts.Directory == nil || opts.Transport == nil {
		return nil, fmt.Errorf("librelay: store, directory and transport are required")
	}
	if opts.Self.UserID == "" {
		return nil, fmt.Errorf("librelay: self address required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	selfTag := opts.SelfTag
	if selfTag == "" {
		selfTag = "<" + opts.Self.UserID + ">"
	}

	m := &Messenger{
		self:    opts.Self,
		selfTag: selfTag,
		store:   opts.Store,
		dir:     opts.Directory,
		resolver: tags.NewResolver(opts.Directory, tags.ResolverConfig{
			TTL:            cfg.Resolver.TTL,
			RefreshMargin:  cfg.Resolver.RefreshMargin,
			BatchBaseDelay: cfg.Resolver.BatchBaseDelay,
			BatchMaxDelay:  cfg.Resolver.BatchMaxDelay,
			RatePerSec:     cfg.Resolver.RatePerSec,
			Burst:          cfg.Resolver.Burst,
		}, log),
		trans:   opts.Transport,
		cfg:     cfg,
		log:     log,
		metrics: telemetry.NewMetrics(opts.Registerer),
		queues:  queue.NewSerializer(),
		parked:  make(map[string][]ReceiptEvent),
		timers:  make(map[string]*time.Timer),
		blocked: make(map[string]struct{}),
	}
	m.resolver.SetCounters(m.metrics.ResolverBatches, m.metrics.CacheHits, m.metrics.CacheMisses)
	m.readsync = newReadSyncBuffer(cfg.ReadSync, m.flushReadMarks, log)
	m.retrans = newRetransmitter(m, log)
	return m, nil
}

// Resolver exposes the tag resolver for embedder-side lookups.
func (m *Messenger) Resolver() *tags.Resolver { return m.resolver }

// Start begins background work (read-sync flushing).
func (m *Messenger) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.readsync.start()
}

// Close flushes the read-sync buffer, stops timers and drains queued
// background work.
func (m *Messenger) Close() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	for _, t := range m.timers {
		t.Stop()
	}
	m.mu.Unlock()

	m.readsync.stop()
	m.queues.Wait()
}

// Idle signals that the embedder's receive pump is empty; queued
// retransmissions drain now.
func (m *Messenger) Idle() {
	m.retrans.drain()
}

// OnThreadChange registers the thread-mutation callback.
func (m *Messenger) OnThreadChange(cb func(*model.Thread)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.threadChangeCB = cb
}

// OnMessage registers the message-mutation callback.
func (m *Messenger) OnMessage(cb func(*model.Message)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.messageCB = cb
}

// OnExpired registers the message-expiration callback. It fires before
// the record is deleted so bound UI can react first.
func (m *Messenger) OnExpired(cb func(*model.Message)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.expiredCB = cb
}

// OnPendingMessage registers the pending-message callback.
func (m *Messenger) OnPendingMessage(cb func(*Envelope)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.pendingCB = cb
}

// OnNotice registers the thread-notice callback.
func (m *Messenger) OnNotice(cb func(threadID string, n model.Notice)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.noticeCB = cb
}

// OnReadSync registers the callback receiving the full pre-reduction
// read-event list on each flush.
func (m *Messenger) OnReadSync(cb func([]ReadEvent)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.readSyncCB = cb
}

// OnCallSignal registers the call-signaling callback. Signals for the
// same peer arrive in order.
func (m *Messenger) OnCallSignal(cb func(peerID string, s CallSignal)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callSignalCB = cb
}

// OnTrustConflict registers the identity-change prompt. Returning true
// re-trusts the new key. Without a callback conflicts stay quarantined.
func (m *Messenger) OnTrustConflict(cb func(TrustConflict) bool) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.trustConflictCB = cb
}

// OnSyncRequest registers the callback fired when another of the local
// user's devices requests a content sync.
func (m *Messenger) OnSyncRequest(cb func(deviceID uint32)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.syncRequestCB = cb
}

func (m *Messenger) emitThreadChange(t *model.Thread) {
	m.cbMu.RLock()
	cb := m.threadChangeCB
	m.cbMu.RUnlock()
	if cb != nil {
		cb(t)
	}
}

func (m *Messenger) emitMessage(msg *model.Message) {
	m.cbMu.RLock()
	cb := m.messageCB
	m.cbMu.RUnlock()
	if cb != nil {
		cb(msg)
	}
}

func (m *Messenger) emitNotice(threadID string, n model.Notice) {
	m.cbMu.RLock()
	cb := m.noticeCB
	m.cbMu.RUnlock()
	if cb != nil {
		cb(threadID, n)
	}
}

func (m *Messenger) isSelf(userID string) bool {
	return userID == m.self.UserID
}

// IsBlocked reports whether traffic from userID is currently blocked.
func (m *Messenger) IsBlocked(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blocked[userID]
	return ok
}
