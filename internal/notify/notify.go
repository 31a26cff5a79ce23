// Package notify delivers parsed posts to subscribers and announces dead
// subscriptions.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/chanwatch/internal/metrics"
	"github.com/JakeFAU/chanwatch/internal/watch"
)

// DeadMessage is sent to every subscriber of a subscription that went away.
const DeadMessage = "Url dead."

// Store is the slice of the subscription store the fan-out needs.
type Store interface {
	Subscribers(ctx context.Context, url string) ([]string, error)
	DeleteSubscription(ctx context.Context, url string) error
}

// Fanout sends messages on behalf of subscription identities.
type Fanout struct {
	store     Store
	messenger watch.Messenger
	resource  string
	logger    *zap.Logger
}

// New creates a Fanout. resource is appended to notify identities when
// sending chat messages.
func New(store Store, messenger watch.Messenger, resource string, logger *zap.Logger) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		store:     store,
		messenger: messenger,
		resource:  resource,
		logger:    logger,
	}
}

// Deliver sends every post, in order, to each current subscriber of sub and
// returns how many subscribers were in the snapshot. Send failures are logged
// and skipped.
func (f *Fanout) Deliver(ctx context.Context, sub watch.Subscription, posts []watch.Post) (int, error) {
	users, err := f.store.Subscribers(ctx, sub.URL)
	if err != nil {
		return 0, fmt.Errorf("list subscribers: %w", err)
	}
	if len(posts) == 0 {
		return len(users), nil
	}

	from := watch.FullJID(sub.NotifyIdentity, f.resource)
	sent := 0
	for _, user := range users {
		for _, post := range posts {
			msg := watch.Message{To: user, From: from, Body: post.Text, Rich: post.Rich}
			if err := f.messenger.SendMessage(ctx, msg); err != nil {
				f.logger.Warn("send update failed",
					zap.String("url", sub.URL),
					zap.String("user", user),
					zap.Error(err),
				)
				continue
			}
			sent++
		}
	}
	metrics.AddNotifications("post", sent)
	return len(users), nil
}

// Cascade removes sub with every user link to it, then tells each former
// subscriber the url is dead and withdraws the presence subscription. It
// returns the users that were notified.
func (f *Fanout) Cascade(ctx context.Context, sub watch.Subscription) ([]string, error) {
	users, err := f.store.Subscribers(ctx, sub.URL)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	if err := f.store.DeleteSubscription(ctx, sub.URL); err != nil {
		return nil, fmt.Errorf("delete subscription: %w", err)
	}

	from := watch.FullJID(sub.NotifyIdentity, f.resource)
	for _, user := range users {
		if err := f.messenger.SendMessage(ctx, watch.Message{To: user, From: from, Body: DeadMessage}); err != nil {
			f.logger.Warn("send dead notice failed", zap.String("url", sub.URL), zap.String("user", user), zap.Error(err))
		}
		f.Withdraw(ctx, user, sub.NotifyIdentity)
	}
	metrics.AddNotifications("dead", len(users))
	return users, nil
}

// Withdraw sends the unsubscribe and unsubscribed presences from identity.
func (f *Fanout) Withdraw(ctx context.Context, user, identity string) {
	for _, kind := range []watch.PresenceType{watch.PresenceUnsubscribe, watch.PresenceUnsubscribed} {
		if err := f.messenger.SendPresence(ctx, watch.Presence{To: user, From: identity, Type: kind}); err != nil {
			f.logger.Warn("send presence failed",
				zap.String("user", user),
				zap.String("from", identity),
				zap.String("type", string(kind)),
				zap.Error(err),
			)
		}
	}
}
