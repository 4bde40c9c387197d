package librelay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ForstaLabs/librelay/exchange"
	"github.com/ForstaLabs/librelay/model"
	"github.com/ForstaLabs/librelay/store"
	"github.com/ForstaLabs/librelay/tags"
)

// GetThread returns a thread by id.
func (m *Messenger) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	t, err := m.store.GetThread(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return t, err
}

// Threads lists every known thread.
func (m *Messenger) Threads(ctx context.Context) ([]*model.Thread, error) {
	return m.store.ListThreads(ctx)
}

// ensureThread loads the thread an exchange references, creating it
// lazily from the declared distribution when unknown and reconciling
// distribution/title when it exists. Callers hold the thread queue key,
// which is what makes lazy creation idempotent under concurrency.
func (m *Messenger) ensureThread(ctx context.Context, x *exchange.Exchange) (*model.Thread, error) {
	th, err := m.store.GetThread(ctx, x.ThreadID)
	if err == nil {
		return m.reconcileThread(ctx, th, x)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	th = &model.Thread{
		ID:           x.ThreadID,
		Type:         x.ThreadType,
		Distribution: x.Distribution.Expression,
		Expiration:   int(m.cfg.Expiration.Default.Seconds()),
	}
	if th.Type == "" {
		th.Type = model.ThreadConversation
	}
	if th.Distribution == "" {
		th.Distribution = m.selfTag
	}
	if x.ThreadTitle != "" {
		th.TitleFallback = x.ThreadTitle
	}
	m.repairDistribution(ctx, th)
	if err := m.store.PutThread(ctx, th); err != nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{
		"thread":       th.ID,
		"distribution": th.Distribution,
	}).Info("Created thread")
	m.emitThreadChange(th)
	return th, nil
}

// reconcileThread folds an exchange's declared distribution/title into
// an existing thread, narrating membership changes as notices.
func (m *Messenger) reconcileThread(ctx context.Context, th *model.Thread, x *exchange.Exchange) (*model.Thread, error) {
	changed := false
	if expr := x.Distribution.Expression; expr != "" && expr != th.Distribution {
		m.noteMembershipDiff(ctx, th, th.Distribution, expr)
		th.Distribution = expr
		m.repairDistribution(ctx, th)
		changed = true
	}
	if x.ThreadTitle != "" && x.ThreadTitle != th.TitleFallback {
		th.TitleFallback = x.ThreadTitle
		changed = true
	}
	if changed {
		if err := m.store.PutThread(ctx, th); err != nil {
			return nil, err
		}
		m.emitThreadChange(th)
	}
	return th, nil
}

// repairDistribution re-resolves a thread's distribution, falling back
// to the local user's own tag so the thread is never left unresolvable.
// Resolution warnings become deduplicated thread notices.
func (m *Messenger) repairDistribution(ctx context.Context, th *model.Thread) *tags.Distribution {
	dist, err := m.resolver.Resolve(ctx, th.Distribution)
	if err != nil || dist.Universal == "" {
		m.log.WithFields(logrus.Fields{
			"thread":       th.ID,
			"distribution": th.Distribution,
			"error":        err,
		}).Warn("Distribution resolution failed; falling back to self")
		if n := (model.Notice{ID: "dist-broken", Text: "This conversation's membership could not be resolved."}); th.AddNotice(n) {
			m.emitNotice(th.ID, n)
		}
		fallback, ferr := m.resolver.Resolve(ctx, m.selfTag)
		if ferr != nil {
			// Steady state for a permanently-broken distribution: keep
			// the thread usable with derived text only.
			th.DistributionPretty = th.Distribution
			return nil
		}
		th.Distribution = fallback.Universal
		dist = fallback
	}

	th.DistributionPretty = dist.Pretty
	for _, w := range dist.Warnings {
		n := model.Notice{ID: "dist-" + string(w.Kind) + "-" + w.Tag, Text: w.Text}
		if th.AddNotice(n) {
			m.emitNotice(th.ID, n)
		}
	}
	if !dist.HasUser(m.self.UserID) && !th.Left {
		n := model.Notice{ID: "dist-no-self", Text: "You are not part of this conversation's membership."}
		if th.AddNotice(n) {
			m.emitNotice(th.ID, n)
		}
	}
	th.TitleFallback = m.deriveTitle(ctx, th, dist)
	return dist
}

// noteMembershipDiff narrates a distribution change as a notice.
func (m *Messenger) noteMembershipDiff(ctx context.Context, th *model.Thread, before, after string) {
	added, removed, err := m.resolver.ResolveDiff(ctx, before, after)
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"thread": th.ID,
			"error":  err,
		}).Debug("Membership diff unavailable")
		return
	}
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	var parts []string
	if len(added) > 0 {
		parts = append(parts, fmt.Sprintf("added %s", strings.Join(added, ", ")))
	}
	if len(removed) > 0 {
		parts = append(parts, fmt.Sprintf("removed %s", strings.Join(removed, ", ")))
	}
	n := model.Notice{
		ID:   "membership-" + after,
		Text: "Membership changed: " + strings.Join(parts, "; "),
	}
	if th.AddNotice(n) {
		m.emitNotice(th.ID, n)
	}
}

// deriveTitle computes the human-facing title: a thread containing only
// the local user reads "[You]", exactly one other concrete contact uses
// their display name, anything else uses the pretty distribution; any
// pending members are appended.
func (m *Messenger) deriveTitle(ctx context.Context, th *model.Thread, dist *tags.Distribution) string {
	var title string
	others := make([]string, 0, len(dist.UserIDs))
	for _, u := range dist.UserIDs {
		if u != m.self.UserID {
			others = append(others, u)
		}
	}
	switch {
	case len(others) == 0:
		title = "[You]"
	case len(others) == 1:
		if user, err := m.dir.UserLookup(ctx, others[0]); err == nil && user.Name != "" {
			title = user.Name
		} else {
			title = dist.Pretty
		}
	default:
		title = dist.Pretty
	}
	if len(th.PendingMembers) > 0 {
		title += " + " + strings.Join(th.PendingMembers, ", ")
	}
	return title
}

// mutateThread loads, mutates and persists a thread under its queue
// key, then emits the change.
func (m *Messenger) mutateThread(ctx context.Context, threadID string, fn func(*model.Thread) error) error {
	return m.queues.Run(ctx, "thread:"+threadID, func(ctx context.Context) error {
		th, err := m.GetThread(ctx, threadID)
		if err != nil {
			return err
		}
		if err := fn(th); err != nil {
			return err
		}
		if err := m.store.PutThread(ctx, th); err != nil {
			return err
		}
		m.emitThreadChange(th)
		return nil
	})
}

// ArchiveThread archives a thread. Unless silent, a self-targeted
// control converges the user's other devices.
func (m *Messenger) ArchiveThread(ctx context.Context, threadID string, silent bool) error {
	if err := m.mutateThread(ctx, threadID, func(th *model.Thread) error {
		th.Archived = true
		return nil
	}); err != nil {
		return err
	}
	if !silent {
		return m.sendSelfControl(ctx, threadID, exchange.ControlThreadArchive, nil)
	}
	return nil
}

// RestoreThread clears the archived flag.
func (m *Messenger) RestoreThread(ctx context.Context, threadID string, silent bool) error {
	if err := m.mutateThread(ctx, threadID, func(th *model.Thread) error {
		th.Archived = false
		return nil
	}); err != nil {
		return err
	}
	if !silent {
		return m.sendSelfControl(ctx, threadID, exchange.ControlThreadRestore, nil)
	}
	return nil
}

// PinThread sets or clears the pinned flag.
func (m *Messenger) PinThread(ctx context.Context, threadID string, pinned, silent bool) error {
	if err := m.mutateThread(ctx, threadID, func(th *model.Thread) error {
		th.Pinned = pinned
		return nil
	}); err != nil {
		return err
	}
	if !silent {
		pos := "unpinned"
		if pinned {
			pos = "pinned"
		}
		return m.sendSelfControl(ctx, threadID, exchange.ControlThreadUpdate, &exchange.Data{
			ThreadUpdates: &exchange.ThreadUpdates{Position: &pos},
		})
	}
	return nil
}

// LeaveThread marks the thread left; its distribution no longer needs
// to include the local user.
func (m *Messenger) LeaveThread(ctx context.Context, threadID string, silent bool) error {
	if err := m.mutateThread(ctx, threadID, func(th *model.Thread) error {
		th.Left = true
		return nil
	}); err != nil {
		return err
	}
	if !silent {
		return m.sendSelfControl(ctx, threadID, exchange.ControlThreadUpdate, nil)
	}
	return nil
}

// ExpungeThread deletes a thread and its messages. Each message is
// detached before deletion so bound UI can react.
func (m *Messenger) ExpungeThread(ctx context.Context, threadID string, silent bool) error {
	err := m.queues.Run(ctx, "thread:"+threadID, func(ctx context.Context) error {
		return m.expungeThreadDirect(ctx, threadID)
	})
	if err != nil {
		return err
	}
	if !silent {
		return m.sendSelfControl(ctx, threadID, exchange.ControlThreadExpunge, nil)
	}
	return nil
}

// expungeThreadDirect deletes a thread and its messages. Callers hold
// the thread queue key.
func (m *Messenger) expungeThreadDirect(ctx context.Context, threadID string) error {
	msgs, err := m.store.MessagesByThread(ctx, threadID, 0)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		m.cancelExpiration(msg.ID)
		if err := m.store.DeleteMessage(ctx, msg.ID); err != nil {
			return err
		}
	}
	return m.store.DeleteThread(ctx, threadID)
}

// ApplyUpdates is the UI-facing surface for thread attribute changes.
func (m *Messenger) ApplyUpdates(ctx context.Context, threadID string, updates exchange.ThreadUpdates) error {
	if err := m.mutateThread(ctx, threadID, func(th *model.Thread) error {
		return m.applyThreadUpdates(ctx, th, &updates)
	}); err != nil {
		return err
	}
	return m.sendSelfControl(ctx, threadID, exchange.ControlThreadUpdate, &exchange.Data{
		ThreadUpdates: &updates,
	})
}

func (m *Messenger) applyThreadUpdates(ctx context.Context, th *model.Thread, u *exchange.ThreadUpdates) error {
	if u == nil {
		return nil
	}
	if u.Title != nil {
		th.TitleFallback = *u.Title
	}
	if u.Expression != nil && *u.Expression != th.Distribution {
		m.noteMembershipDiff(ctx, th, th.Distribution, *u.Expression)
		th.Distribution = *u.Expression
		m.repairDistribution(ctx, th)
	}
	if u.Expiration != nil {
		th.Expiration = *u.Expiration
	}
	if u.Position != nil {
		th.Pinned = *u.Position == "pinned"
	}
	return nil
}
