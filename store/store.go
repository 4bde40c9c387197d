// Package store persists the messaging core's durable state in a Pebble
// database: threads, messages, receipts, identity trust and quarantined
// envelopes.
//
// Key layout:
//
//	thread:<id>                             thread record
//	thread:<tid>:msg:<20d-ts>-<6d-seq>      message id, append order
//	msg:<id>                                message record (primary)
//	msg:<id>:receipt:<6d-seq>               receipt record, arrival order
//	quarantine:<id>                         quarantined envelope
//	trust:<addr>                            identity trust record
//
// Every call takes a context and can fail; callers treat the store as an
// asynchronous collaborator. All mutation of a single record goes
// through single-key writes, so record-level atomicity comes from Pebble
// itself; cross-record ordering is the caller's job.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"

	"github.com/ForstaLabs/librelay/model"
)

// ErrNotFound reports an absent record.
var ErrNotFound = errors.New("store: not found")

// DB wraps an open Pebble database. Instances are safe for concurrent
// use; create one per data directory.
type DB struct {
	db  *pebble.DB
	log *logrus.Logger

	// seq disambiguates keys created within the same millisecond.
	seq atomic.Uint64
}

// Open opens (or creates) a Pebble database at path.
func Open(path string, log *logrus.Logger) (*DB, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	pdb, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	log.WithFields(logrus.Fields{"path": path}).Debug("Store opened")
	return &DB{db: pdb, log: log}, nil
}

// Close closes the database.
func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) set(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.db.Set([]byte(key), data, pebble.Sync); err != nil {
		s.log.WithFields(logrus.Fields{"key": key, "error": err}).Error("Store write failed")
		return err
	}
	return nil
}

func (s *DB) get(key string, v interface{}) error {
	data, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	defer closer.Close()
	return json.Unmarshal(data, v)
}

// prefixKeys returns all keys under prefix in key order.
func (s *DB) prefixKeys(prefix string) ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	p := []byte(prefix)
	var out []string
	for iter.SeekGE(p); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), p) {
			break
		}
		out = append(out, string(append([]byte(nil), iter.Key()...)))
	}
	return out, iter.Error()
}

// prefixValues returns all values under prefix in key order.
func (s *DB) prefixValues(prefix string) ([][]byte, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	p := []byte(prefix)
	var out [][]byte
	for iter.SeekGE(p); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), p) {
			break
		}
		out = append(out, append([]byte(nil), iter.Value()...))
	}
	return out, iter.Error()
}

// PutThread writes a thread record.
func (s *DB) PutThread(ctx context.Context, t *model.Thread) error {
	if t.ID == "" {
		return fmt.Errorf("thread id required")
	}
	return s.set("thread:"+t.ID, t)
}

// GetThread reads a thread by id.
func (s *DB) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	var t model.Thread
	if err := s.get("thread:"+id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteThread removes a thread record and its message index. Message
// records themselves are removed individually by the caller, which needs
// them for expiration events.
func (s *DB) DeleteThread(ctx context.Context, id string) error {
	keys, err := s.prefixKeys("thread:" + id + ":")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.db.Delete([]byte(k), pebble.Sync); err != nil {
			return err
		}
	}
	return s.db.Delete([]byte("thread:"+id), pebble.Sync)
}

// ListThreads returns every thread record.
func (s *DB) ListThreads(ctx context.Context) ([]*model.Thread, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	prefix := []byte("thread:")
	var out []*model.Thread
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		key := iter.Key()
		if !bytes.HasPrefix(key, prefix) {
			break
		}
		// Skip message-index keys (thread:<id>:msg:...).
		if bytes.Contains(key[len(prefix):], []byte(":")) {
			continue
		}
		var t model.Thread
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		out = append(out, &t)
	}
	return out, iter.Error()
}

// PutMessage writes a message record by id. On first write it also
// appends the id to the thread's ordered message index, unless the
// message carries a MessageRef: replies and votes attach to their
// referenced message and never enter the primary sequence.
func (s *DB) PutMessage(ctx context.Context, m *model.Message) error {
	if m.ID == "" {
		return fmt.Errorf("message id required")
	}
	key := "msg:" + m.ID
	fresh := false
	var prev model.Message
	if err := s.get(key, &prev); errors.Is(err, ErrNotFound) {
		fresh = true
	}
	if err := s.set(key, m); err != nil {
		return err
	}
	if fresh && m.ThreadID != "" && m.MessageRef == "" {
		idx := fmt.Sprintf("thread:%s:msg:%020d-%06d", m.ThreadID, m.Timestamp, s.seq.Add(1))
		if err := s.db.Set([]byte(idx), []byte(m.ID), pebble.Sync); err != nil {
			return err
		}
	}
	return nil
}

// GetMessage reads a message by id.
func (s *DB) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var m model.Message
	if err := s.get("msg:"+id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteMessage removes a message record, its receipts and its index
// entry.
func (s *DB) DeleteMessage(ctx context.Context, id string) error {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	keys, err := s.prefixKeys("msg:" + id + ":")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.db.Delete([]byte(k), pebble.Sync); err != nil {
			return err
		}
	}
	if m.ThreadID != "" {
		idxKeys, err := s.prefixKeys("thread:" + m.ThreadID + ":msg:")
		if err != nil {
			return err
		}
		for _, k := range idxKeys {
			val, closer, gerr := s.db.Get([]byte(k))
			if gerr != nil {
				continue
			}
			match := string(val) == id
			closer.Close()
			if match {
				if err := s.db.Delete([]byte(k), pebble.Sync); err != nil {
					return err
				}
			}
		}
	}
	return s.db.Delete([]byte("msg:"+id), pebble.Sync)
}

// MessagesByThread returns the thread's messages in descending append
// order, up to limit (0 for all).
func (s *DB) MessagesByThread(ctx context.Context, threadID string, limit int) ([]*model.Message, error) {
	ids, err := s.prefixValues("thread:" + threadID + ":msg:")
	if err != nil {
		return nil, err
	}
	var out []*model.Message
	for i := len(ids) - 1; i >= 0; i-- {
		m, err := s.GetMessage(ctx, string(ids[i]))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// UnreadByThread returns the thread's unread messages.
func (s *DB) UnreadByThread(ctx context.Context, threadID string) ([]*model.Message, error) {
	all, err := s.MessagesByThread(ctx, threadID, 0)
	if err != nil {
		return nil, err
	}
	var out []*model.Message
	for _, m := range all {
		if !m.Read {
			out = append(out, m)
		}
	}
	return out, nil
}

// MessageBySent locates a message by its claimed send time. Used by
// retransmission, which is addressed by timestamp on the wire.
func (s *DB) MessageBySent(ctx context.Context, sent int64) (*model.Message, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	prefix := []byte("msg:")
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		key := iter.Key()
		if !bytes.HasPrefix(key, prefix) {
			break
		}
		// Skip receipt subkeys (msg:<id>:receipt:...).
		if bytes.Contains(key[len(prefix):], []byte(":")) {
			continue
		}
		var m model.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		if m.Sent == sent {
			return &m, nil
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

// AppendReceipt attaches a receipt to a message in arrival order and
// returns the updated record.
func (s *DB) AppendReceipt(ctx context.Context, msgID string, r model.Receipt) (*model.Message, error) {
	m, err := s.GetMessage(ctx, msgID)
	if err != nil {
		return nil, err
	}
	m.Receipts = append(m.Receipts, r)
	rk := fmt.Sprintf("msg:%s:receipt:%06d", msgID, s.seq.Add(1))
	if err := s.set(rk, r); err != nil {
		return nil, err
	}
	if err := s.set("msg:"+msgID, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Receipts returns a message's receipts in arrival order.
func (s *DB) Receipts(ctx context.Context, msgID string) ([]model.Receipt, error) {
	vals, err := s.prefixValues("msg:" + msgID + ":receipt:")
	if err != nil {
		return nil, err
	}
	out := make([]model.Receipt, 0, len(vals))
	for _, v := range vals {
		var r model.Receipt
		if err := json.Unmarshal(v, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// PutQuarantine stores a quarantined envelope.
func (s *DB) PutQuarantine(ctx context.Context, q *model.QuarantinedEnvelope) error {
	return s.set("quarantine:"+q.ID, q)
}

// Quarantined returns all quarantined envelopes.
func (s *DB) Quarantined(ctx context.Context) ([]*model.QuarantinedEnvelope, error) {
	vals, err := s.prefixValues("quarantine:")
	if err != nil {
		return nil, err
	}
	out := make([]*model.QuarantinedEnvelope, 0, len(vals))
	for _, v := range vals {
		var q model.QuarantinedEnvelope
		if err := json.Unmarshal(v, &q); err != nil {
			continue
		}
		out = append(out, &q)
	}
	return out, nil
}

// DeleteQuarantine removes a quarantined envelope.
func (s *DB) DeleteQuarantine(ctx context.Context, id string) error {
	return s.db.Delete([]byte("quarantine:"+id), pebble.Sync)
}

// GetTrust reads the identity trust record for addr.
func (s *DB) GetTrust(ctx context.Context, addr string) (*model.IdentityTrust, error) {
	var t model.IdentityTrust
	if err := s.get("trust:"+addr, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PutTrust writes an identity trust record.
func (s *DB) PutTrust(ctx context.Context, t *model.IdentityTrust) error {
	if t.Addr == "" {
		return fmt.Errorf("trust addr required")
	}
	return s.set("trust:"+t.Addr, t)
}
