package watch

import (
	"context"
	"time"
)

// SubscriptionStore persists URL-keyed subscriptions.
type SubscriptionStore interface {
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	GetSubscription(ctx context.Context, url string) (Subscription, error)
	// CreateSubscription inserts sub unless a row for its URL exists.
	CreateSubscription(ctx context.Context, sub Subscription) error
	// UpdateProgress raises the watermark (never lowers it) and stores the
	// validator when non-empty.
	UpdateProgress(ctx context.Context, url string, watermark int64, validator string) error
	// DeleteSubscription removes the subscription and every user link to it.
	DeleteSubscription(ctx context.Context, url string) error
	// RemoveIfEmpty deletes the subscription when nobody is linked to it.
	RemoveIfEmpty(ctx context.Context, url string) (bool, error)
	URLByIdentity(ctx context.Context, identity string) (string, error)
	IdentityExists(ctx context.Context, identity string) (bool, error)
}

// UserStore persists per-user subscription links and first-contact records.
type UserStore interface {
	// AddUserSubscription returns ErrAlreadySubscribed on a duplicate link
	// and ErrNotFound when the subscription does not exist.
	AddUserSubscription(ctx context.Context, link UserSubscription) error
	// RemoveUserSubscription returns ErrNotFound when no link exists.
	RemoveUserSubscription(ctx context.Context, user, url string) error
	IsSubscribed(ctx context.Context, user, url string) (bool, error)
	CountUserSubscriptions(ctx context.Context, user string) (int, error)
	ListUserSubscriptions(ctx context.Context, user string) ([]UserSubscription, error)
	Subscribers(ctx context.Context, url string) ([]string, error)
	// MarkUserSeen records the user and reports whether this was the first contact.
	MarkUserSeen(ctx context.Context, user string) (bool, error)
}

// HostStore keeps per-host error accounting. Increments are atomic.
type HostStore interface {
	IncrementHostErrors(ctx context.Context, host string) (int64, error)
	ListHosts(ctx context.Context) ([]HostState, error)
}

// Store bundles every persistence contract the engine needs.
type Store interface {
	SubscriptionStore
	UserStore
	HostStore
}

// Fetcher performs the conditional check and the full fetch.
type Fetcher interface {
	// CheckValidator issues a HEAD request and returns the Last-Modified value
	// (empty when absent).
	CheckValidator(ctx context.Context, url string) (string, error)
	Fetch(ctx context.Context, url string) (Page, error)
}

// Throttle gates accesses per (host, level).
type Throttle interface {
	Wait(ctx context.Context, host string, level Level) error
}

// ParseCallback receives the outcome of a submitted task. err is one of the
// worker sentinels when no result arrived.
type ParseCallback func(task Task, result ParseResult, err error)

// ParseWorker submits parse tasks to the isolated worker.
type ParseWorker interface {
	Submit(task Task, done ParseCallback) error
}

// Messenger delivers chat messages and presence to users.
type Messenger interface {
	SendMessage(ctx context.Context, msg Message) error
	SendPresence(ctx context.Context, p Presence) error
}

// Reporter ships operator-facing diagnostics.
type Reporter interface {
	Report(ctx context.Context, text string)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes update events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
