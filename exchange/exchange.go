// Package exchange implements the versioned logical envelope carried
// inside transport message bodies.
//
// An exchange is parsed from the decrypted body of an inbound envelope,
// classified as content or control, and routed by the dispatcher.
// Exchanges are immutable once parsed and are never persisted directly;
// only the Thread/Message state derived from them is.
package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ForstaLabs/librelay/model"
)

// Version is the only exchange version this core understands.
const Version = 1

var (
	// ErrSchemaViolation reports a missing required field.
	ErrSchemaViolation = errors.New("exchange: schema violation")
	// ErrSessionPing reports a bare end-session teardown carrying no
	// message; such envelopes are dropped silently.
	ErrSessionPing = errors.New("exchange: end-session ping")
)

// MessageType classifies an exchange as user content or protocol control.
type MessageType string

const (
	TypeContent MessageType = "content"
	TypeControl MessageType = "control"
)

// ControlType is the closed set of control variants. String-keyed
// handler lookup in the wire format becomes an explicit enum so the
// dispatcher can match exhaustively.
type ControlType string

const (
	ControlDiscover         ControlType = "discover"
	ControlProvisionRequest ControlType = "provisionRequest"
	ControlThreadUpdate     ControlType = "threadUpdate"
	ControlThreadArchive    ControlType = "threadArchive"
	ControlThreadRestore    ControlType = "threadRestore"
	ControlThreadExpunge    ControlType = "threadExpunge"
	ControlPreMessageCheck  ControlType = "preMessageCheck"
	ControlSyncRequest      ControlType = "syncRequest"
	ControlSyncResponse     ControlType = "syncResponse"
	ControlUserBlock        ControlType = "userBlock"
	ControlUserUnblock      ControlType = "userUnblock"
	ControlCallJoin         ControlType = "callJoin"
	ControlCallOffer        ControlType = "callOffer"
	ControlCallAcceptOffer  ControlType = "callAcceptOffer"
	ControlCallICE          ControlType = "callICECandidates"
	ControlCallLeave        ControlType = "callLeave"
	ControlCallHeartbeat    ControlType = "callHeartbeat"
	ControlCloseSession     ControlType = "closeSession"
	ControlReadMark         ControlType = "readMark"
	ControlPendingMessage   ControlType = "pendingMessage"
	ControlBeacon           ControlType = "beacon"
)

var controlTypes = map[string]ControlType{
	string(ControlDiscover):         ControlDiscover,
	string(ControlProvisionRequest): ControlProvisionRequest,
	string(ControlThreadUpdate):     ControlThreadUpdate,
	string(ControlThreadArchive):    ControlThreadArchive,
	string(ControlThreadRestore):    ControlThreadRestore,
	string(ControlThreadExpunge):    ControlThreadExpunge,
	string(ControlPreMessageCheck):  ControlPreMessageCheck,
	string(ControlSyncRequest):      ControlSyncRequest,
	string(ControlSyncResponse):     ControlSyncResponse,
	string(ControlUserBlock):        ControlUserBlock,
	string(ControlUserUnblock):      ControlUserUnblock,
	string(ControlCallJoin):         ControlCallJoin,
	string(ControlCallOffer):        ControlCallOffer,
	string(ControlCallAcceptOffer):  ControlCallAcceptOffer,
	string(ControlCallICE):          ControlCallICE,
	string(ControlCallLeave):        ControlCallLeave,
	string(ControlCallHeartbeat):    ControlCallHeartbeat,
	string(ControlCloseSession):     ControlCloseSession,
	string(ControlReadMark):         ControlReadMark,
	string(ControlPendingMessage):   ControlPendingMessage,
	string(ControlBeacon):           ControlBeacon,
}

// ParseControl maps a wire control name to its enum value.
func ParseControl(name string) (ControlType, bool) {
	ct, ok := controlTypes[name]
	return ct, ok
}

// IsCallSignaling reports whether c is WebRTC call signaling, subject to
// the fixed staleness ceiling.
func (c ControlType) IsCallSignaling() bool {
	switch c {
	case ControlCallJoin, ControlCallOffer, ControlCallAcceptOffer,
		ControlCallICE, ControlCallLeave, ControlCallHeartbeat:
		return true
	}
	return false
}

// RequiresSelfSender reports whether c is only valid from one of the
// local user's own devices.
func (c ControlType) RequiresSelfSender() bool {
	switch c {
	case ControlSyncRequest, ControlSyncResponse, ControlUserBlock, ControlUserUnblock:
		return true
	}
	return false
}

// Sender identifies the originating user and device.
type Sender struct {
	UserID string `json:"userId"`
	Device uint32 `json:"device"`
}

// DistributionRef carries the declared membership expression of the
// target thread.
type DistributionRef struct {
	Expression string `json:"expression"`
}

// ThreadUpdates carries attribute changes in a threadUpdate control.
type ThreadUpdates struct {
	Title      *string `json:"threadTitle,omitempty"`
	Expression *string `json:"expression,omitempty"`
	Expiration *int    `json:"expiration,omitempty"`
	Position   *string `json:"position,omitempty"`
}

// ReadMark names the read horizon for one thread.
type ReadMark struct {
	Sender    string `json:"sender,omitempty"`
	ReadLevel int64  `json:"readLevel"`
	MessageID string `json:"messageId,omitempty"`
}

// Retransmit names one message a peer could not decrypt.
type Retransmit struct {
	Timestamp int64 `json:"timestamp"`
}

// Data is the payload of an exchange; its populated fields depend on the
// exchange type and control variant.
type Data struct {
	Body        []model.BodyPart `json:"body,omitempty"`
	Attachments []string         `json:"attachments,omitempty"`
	Mentions    []string         `json:"mentions,omitempty"`
	Vote        *int             `json:"vote,omitempty"`
	MessageRef  string           `json:"messageRef,omitempty"`

	Control       string         `json:"control,omitempty"`
	ThreadUpdates *ThreadUpdates `json:"threadUpdates,omitempty"`
	ReadMark      *ReadMark      `json:"readMark,omitempty"`
	Retransmits   []Retransmit   `json:"retransmits,omitempty"`

	// Call signaling fields are routed opaquely; the core never
	// interprets SDP or candidate contents.
	CallID     string          `json:"callId,omitempty"`
	PeerID     string          `json:"peerId,omitempty"`
	CallSignal json.RawMessage `json:"signal,omitempty"`
}

// Exchange is the version-1 logical envelope.
type Exchange struct {
	Version      int              `json:"version"`
	MessageID    string           `json:"messageId"`
	MessageType  MessageType      `json:"messageType"`
	ThreadID     string           `json:"threadId,omitempty"`
	ThreadType   model.ThreadType `json:"threadType,omitempty"`
	ThreadTitle  string           `json:"threadTitle,omitempty"`
	UserAgent    string           `json:"userAgent,omitempty"`
	SendTime     string           `json:"sendTime,omitempty"`
	Sender       Sender           `json:"sender"`
	Distribution DistributionRef  `json:"distribution"`
	Data         *Data            `json:"data,omitempty"`

	// Flags are lifted from the transport envelope, not the JSON body.
	Flags model.MessageFlags `json:"-"`

	// Synthetic marks an exchange fabricated from a legacy unstructured
	// body rather than parsed from versioned JSON.
	Synthetic bool `json:"-"`
}

// Parse decodes an envelope body into an exchange. Bodies may be a JSON
// array of versioned exchanges (the highest recognized version wins) or
// a single version-1 object. Anything unrecognizable is treated as
// legacy plain text and wrapped into a synthetic version-1 exchange.
func Parse(body []byte) *Exchange {
	trimmed := strings.TrimSpace(string(body))

	if strings.HasPrefix(trimmed, "[") {
		var versions []*Exchange
		if err := json.Unmarshal(body, &versions); err == nil {
			var best *Exchange
			for _, x := range versions {
				if x == nil || x.Version != Version {
					continue
				}
				if best == nil || x.Version > best.Version {
					best = x
				}
			}
			if best != nil {
				return best
			}
		}
	} else if strings.HasPrefix(trimmed, "{") {
		var x Exchange
		if err := json.Unmarshal(body, &x); err == nil && x.Version == Version {
			return &x
		}
	}

	// Legacy unstructured plain text.
	return &Exchange{
		Version:     Version,
		MessageType: TypeContent,
		Data: &Data{
			Body: []model.BodyPart{{Type: "text/plain", Value: trimmed}},
		},
		Synthetic: true,
	}
}

// Validate enforces required fields. A message missing them that also
// carries the end-session flag is a session teardown ping and yields
// ErrSessionPing; callers drop those without reporting.
func (x *Exchange) Validate() error {
	if x.MessageID == "" || x.MessageType == "" {
		if x.Flags.Has(model.FlagEndSession) {
			return ErrSessionPing
		}
		return fmt.Errorf("%w: messageId and messageType are required", ErrSchemaViolation)
	}
	if x.MessageType != TypeContent && x.MessageType != TypeControl {
		return fmt.Errorf("%w: unknown messageType %q", ErrSchemaViolation, x.MessageType)
	}
	return nil
}

// Control returns the parsed control variant of a control exchange.
func (x *Exchange) Control() (ControlType, bool) {
	if x.MessageType != TypeControl || x.Data == nil {
		return "", false
	}
	return ParseControl(x.Data.Control)
}

// QueueKey derives the dispatcher serialization key: the thread for
// content (and thread-scoped control), or the control name for
// thread-less control, keeping unrelated streams concurrent.
func (x *Exchange) QueueKey() string {
	if x.ThreadID != "" {
		return "thread:" + x.ThreadID
	}
	if x.MessageType == TypeControl && x.Data != nil {
		return "control:" + x.Data.Control
	}
	return "exchange"
}

// PlainText returns the first text/plain body value, or "".
func (x *Exchange) PlainText() string {
	if x.Data == nil {
		return ""
	}
	for _, p := range x.Data.Body {
		if p.Type == "text/plain" {
			return p.Value
		}
	}
	return ""
}

// SentTime parses SendTime, falling back to fallback when absent or
// malformed.
func (x *Exchange) SentTime(fallback int64) int64 {
	if x.SendTime == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, x.SendTime)
	if err != nil {
		return fallback
	}
	return t.UnixMilli()
}

// NewContent builds an outbound content exchange.
func NewContent(messageID, threadID string, threadType model.ThreadType, sender Sender, expression string, body []model.BodyPart) *Exchange {
	return &Exchange{
		Version:      Version,
		MessageID:    messageID,
		MessageType:  TypeContent,
		ThreadID:     threadID,
		ThreadType:   threadType,
		SendTime:     time.Now().UTC().Format(time.RFC3339),
		Sender:       sender,
		Distribution: DistributionRef{Expression: expression},
		Data:         &Data{Body: body},
	}
}

// NewControl builds an outbound control exchange.
func NewControl(messageID, threadID string, sender Sender, expression string, control ControlType, data *Data) *Exchange {
	if data == nil {
		data = &Data{}
	}
	data.Control = string(control)
	return &Exchange{
		Version:      Version,
		MessageID:    messageID,
		MessageType:  TypeControl,
		ThreadID:     threadID,
		SendTime:     time.Now().UTC().Format(time.RFC3339),
		Sender:       sender,
		Distribution: DistributionRef{Expression: expression},
		Data:         data,
	}
}

// Encode serializes an exchange as the version array form peers expect.
func (x *Exchange) Encode() ([]byte, error) {
	return json.Marshal([]*Exchange{x})
}
