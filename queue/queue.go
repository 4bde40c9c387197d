// Package queue implements keyed mutual exclusion for the messaging core.
//
// A Serializer guarantees that callbacks submitted under the same string
// key run one at a time in submission order, while callbacks under
// different keys run concurrently. The rest of the library uses it for
// per-thread send ordering, per-thread unread bookkeeping, per-peer call
// signaling and per-target retransmission.
//
// Example:
//
//	s := queue.NewSerializer()
//	err := s.Run(ctx, "thread:"+threadID, func(ctx context.Context) error {
//	    return applyMessage(ctx, msg)
//	})
package queue

import (
	"context"
	"sync"
)

// Serializer provides per-key FIFO execution. The zero value is not
// usable; create one with NewSerializer.
type Serializer struct {
	mu   sync.Mutex
	keys map[string]*keyState
	wg   sync.WaitGroup
}

// keyState tracks the tail of a key's waiter chain. refs counts callers
// that still hold a link in the chain so the entry can be removed once
// the last one finishes.
type keyState struct {
	tail chan struct{}
	refs int
}

// NewSerializer creates an empty Serializer.
func NewSerializer() *Serializer {
	return &Serializer{keys: make(map[string]*keyState)}
}

// Run executes fn under key, waiting for every callback previously
// submitted under the same key to finish first. The error returned by fn
// is reported only to this caller; a failing fn never blocks or cancels
// later submissions under the key.
//
// If ctx expires while the caller is still queued, Run returns ctx.Err()
// without executing fn. The caller's slot in the chain is released so
// successors are not stranded.
func (s *Serializer) Run(ctx context.Context, key string, fn func(context.Context) error) error {
	prev, done := s.link(key)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Collapse this link: successors chain to us, so the slot
			// must still be released.
			go func() {
				<-prev
				s.unlink(key, done)
			}()
			return ctx.Err()
		}
	}

	defer s.unlink(key, done)
	return fn(ctx)
}

// Go submits fn under key without waiting for it to run. Errors are the
// callback's own responsibility; fire-and-forget submitters log inside fn.
func (s *Serializer) Go(key string, fn func(context.Context) error) {
	prev, done := s.link(key)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if prev != nil {
			<-prev
		}
		defer s.unlink(key, done)
		_ = fn(context.Background())
	}()
}

// Wait blocks until every callback submitted with Go has finished. Run
// callers are synchronous and need no draining.
func (s *Serializer) Wait() {
	s.wg.Wait()
}

// Pending reports how many callers currently hold a slot under key.
func (s *Serializer) Pending(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ks, ok := s.keys[key]; ok {
		return ks.refs
	}
	return 0
}

// link appends a new slot to key's chain, returning the predecessor's
// completion channel (nil when the chain was empty) and this slot's own
// completion channel.
func (s *Serializer) link(key string) (prev, done chan struct{}) {
	done = make(chan struct{})
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keys[key]
	if !ok {
		ks = &keyState{}
		s.keys[key] = ks
	}
	prev = ks.tail
	ks.tail = done
	ks.refs++
	return prev, done
}

// unlink releases a slot and removes the key entry once the chain drains.
func (s *Serializer) unlink(key string, done chan struct{}) {
	close(done)
	s.mu.Lock()
	defer s.mu.Unlock()
	ks := s.keys[key]
	if ks == nil {
		return
	}
	ks.refs--
	if ks.refs == 0 {
		delete(s.keys, key)
	}
}
