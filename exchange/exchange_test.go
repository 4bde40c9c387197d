package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ForstaLabs/librelay/model"
)

func TestParseVersionArray(t *testing.T) {
	body := []byte(`[
		{"version": 3, "messageId": "future", "messageType": "content"},
		{"version": 1, "messageId": "m1", "messageType": "content", "threadId": "t1"}
	]`)

	x := Parse(body)
	require.NotNil(t, x)
	assert.Equal(t, "m1", x.MessageID)
	assert.Equal(t, "t1", x.ThreadID)
	assert.Equal(t, TypeContent, x.MessageType)
	assert.False(t, x.Synthetic)
}

func TestParseSingleObject(t *testing.T) {
	body := []byte(`{"version": 1, "messageId": "m2", "messageType": "control", "data": {"control": "threadUpdate"}}`)

	x := Parse(body)
	require.NotNil(t, x)
	assert.Equal(t, "m2", x.MessageID)

	ct, ok := x.Control()
	require.True(t, ok)
	assert.Equal(t, ControlThreadUpdate, ct)
}

func TestParseLegacyPlainText(t *testing.T) {
	x := Parse([]byte("  hello there  "))
	require.NotNil(t, x)
	assert.True(t, x.Synthetic)
	assert.Equal(t, TypeContent, x.MessageType)
	assert.Equal(t, "hello there", x.PlainText())
	assert.Empty(t, x.MessageID)
}

func TestParseMalformedJSONFallsBackToLegacy(t *testing.T) {
	x := Parse([]byte(`[{"version": 1, "messageId"`))
	require.NotNil(t, x)
	assert.True(t, x.Synthetic)
}

func TestParseArrayWithoutRecognizedVersion(t *testing.T) {
	x := Parse([]byte(`[{"version": 9, "messageId": "m9", "messageType": "content"}]`))
	require.NotNil(t, x)
	assert.True(t, x.Synthetic, "unrecognized versions should degrade to legacy text")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		x       *Exchange
		wantErr error
	}{
		{
			name: "valid content",
			x:    &Exchange{Version: 1, MessageID: "m1", MessageType: TypeContent},
		},
		{
			name:    "missing id",
			x:       &Exchange{Version: 1, MessageType: TypeContent},
			wantErr: ErrSchemaViolation,
		},
		{
			name:    "missing type",
			x:       &Exchange{Version: 1, MessageID: "m1"},
			wantErr: ErrSchemaViolation,
		},
		{
			name:    "unknown type",
			x:       &Exchange{Version: 1, MessageID: "m1", MessageType: "broadcast"},
			wantErr: ErrSchemaViolation,
		},
		{
			name:    "end-session ping",
			x:       &Exchange{Version: 1, Flags: model.FlagEndSession},
			wantErr: ErrSessionPing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.x.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestQueueKey(t *testing.T) {
	content := &Exchange{MessageType: TypeContent, ThreadID: "t1"}
	assert.Equal(t, "thread:t1", content.QueueKey())

	ctrl := &Exchange{MessageType: TypeControl, Data: &Data{Control: "syncRequest"}}
	assert.Equal(t, "control:syncRequest", ctrl.QueueKey())

	bare := &Exchange{MessageType: TypeContent}
	assert.Equal(t, "exchange", bare.QueueKey())
}

func TestControlClassification(t *testing.T) {
	for _, ct := range []ControlType{ControlCallJoin, ControlCallOffer, ControlCallAcceptOffer, ControlCallICE, ControlCallLeave, ControlCallHeartbeat} {
		assert.True(t, ct.IsCallSignaling(), string(ct))
	}
	assert.False(t, ControlThreadUpdate.IsCallSignaling())

	for _, ct := range []ControlType{ControlSyncRequest, ControlSyncResponse, ControlUserBlock, ControlUserUnblock} {
		assert.True(t, ct.RequiresSelfSender(), string(ct))
	}
	assert.False(t, ControlReadMark.RequiresSelfSender())

	_, ok := ParseControl("totallyMadeUp")
	assert.False(t, ok)
}

func TestSentTime(t *testing.T) {
	x := &Exchange{SendTime: "2026-08-30T12:00:00Z"}
	want := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, want, x.SentTime(99))

	assert.Equal(t, int64(99), (&Exchange{}).SentTime(99))
	assert.Equal(t, int64(99), (&Exchange{SendTime: "not-a-time"}).SentTime(99))
}

func TestEncodeRoundTrip(t *testing.T) {
	out := NewContent("m1", "t1", model.ThreadConversation, Sender{UserID: "u1", Device: 2},
		"@eng", []model.BodyPart{{Type: "text/plain", Value: "hi"}})

	raw, err := out.Encode()
	require.NoError(t, err)

	in := Parse(raw)
	require.False(t, in.Synthetic)
	assert.Equal(t, "m1", in.MessageID)
	assert.Equal(t, "t1", in.ThreadID)
	assert.Equal(t, "u1", in.Sender.UserID)
	assert.Equal(t, "@eng", in.Distribution.Expression)
	assert.Equal(t, "hi", in.PlainText())
}
