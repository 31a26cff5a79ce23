// Package memory keeps subscriptions and archived pages in process memory
// for development and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/chanwatch/internal/watch"
)

type linkKey struct {
	user string
	url  string
}

var _ watch.Store = (*Store)(nil)

// Store implements watch.Store in memory. All mutations happen under one
// lock, so every multi-record operation is atomic.
type Store struct {
	mu    sync.RWMutex
	subs  map[string]watch.Subscription
	links map[linkKey]watch.UserSubscription
	hosts map[string]int64
	seen  map[string]time.Time
	now   func() time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		subs:  make(map[string]watch.Subscription),
		links: make(map[linkKey]watch.UserSubscription),
		hosts: make(map[string]int64),
		seen:  make(map[string]time.Time),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// ListSubscriptions returns every subscription ordered by URL.
func (s *Store) ListSubscriptions(_ context.Context) ([]watch.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]watch.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, copySub(sub))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

// GetSubscription fetches a subscription by URL.
func (s *Store) GetSubscription(_ context.Context, url string) (watch.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[url]
	if !ok {
		return watch.Subscription{}, watch.ErrNotFound
	}
	return copySub(sub), nil
}

// CreateSubscription inserts sub unless its URL is already present.
func (s *Store) CreateSubscription(_ context.Context, sub watch.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[sub.URL]; exists {
		return nil
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now()
	}
	s.subs[sub.URL] = copySub(sub)
	return nil
}

// UpdateProgress raises the watermark and stores a non-empty validator.
func (s *Store) UpdateProgress(_ context.Context, url string, watermark int64, validator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[url]
	if !ok {
		return watch.ErrNotFound
	}
	if sub.Watermark == nil || *sub.Watermark < watermark {
		sub.Watermark = watch.Int64(watermark)
	}
	if validator != "" {
		sub.Validator = validator
	}
	s.subs[url] = sub
	return nil
}

// DeleteSubscription removes the subscription and all links to it.
func (s *Store) DeleteSubscription(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, url)
	for k := range s.links {
		if k.url == url {
			delete(s.links, k)
		}
	}
	return nil
}

// RemoveIfEmpty deletes the subscription when it has no subscribers.
func (s *Store) RemoveIfEmpty(_ context.Context, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[url]; !ok {
		return false, nil
	}
	for k := range s.links {
		if k.url == url {
			return false, nil
		}
	}
	delete(s.subs, url)
	return true, nil
}

// URLByIdentity resolves a notify identity back to its subscription URL.
func (s *Store) URLByIdentity(_ context.Context, identity string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for url, sub := range s.subs {
		if sub.NotifyIdentity == identity {
			return url, nil
		}
	}
	return "", watch.ErrNotFound
}

// IdentityExists reports whether any subscription notifies from identity.
func (s *Store) IdentityExists(ctx context.Context, identity string) (bool, error) {
	_, err := s.URLByIdentity(ctx, identity)
	if errors.Is(err, watch.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// AddUserSubscription links a user to a URL. The subscription must exist.
func (s *Store) AddUserSubscription(_ context.Context, link watch.UserSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[link.URL]; !ok {
		return watch.ErrNotFound
	}
	k := linkKey{user: link.User, url: link.URL}
	if _, exists := s.links[k]; exists {
		return watch.ErrAlreadySubscribed
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = s.now()
	}
	s.links[k] = link
	return nil
}

// RemoveUserSubscription unlinks a user from a URL.
func (s *Store) RemoveUserSubscription(_ context.Context, user, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := linkKey{user: user, url: url}
	if _, exists := s.links[k]; !exists {
		return watch.ErrNotFound
	}
	delete(s.links, k)
	return nil
}

// IsSubscribed reports whether user is linked to url.
func (s *Store) IsSubscribed(_ context.Context, user, url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.links[linkKey{user: user, url: url}]
	return ok, nil
}

// CountUserSubscriptions counts the links of user.
func (s *Store) CountUserSubscriptions(_ context.Context, user string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.links {
		if k.user == user {
			n++
		}
	}
	return n, nil
}

// ListUserSubscriptions returns the links of user, oldest first.
func (s *Store) ListUserSubscriptions(_ context.Context, user string) ([]watch.UserSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []watch.UserSubscription
	for k, link := range s.links {
		if k.user == user {
			out = append(out, link)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].URL < out[j].URL
	})
	return out, nil
}

// Subscribers returns the users linked to url in sorted order.
func (s *Store) Subscribers(_ context.Context, url string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.links {
		if k.url == url {
			out = append(out, k.user)
		}
	}
	sort.Strings(out)
	return out, nil
}

// MarkUserSeen records user and reports whether this was the first contact.
func (s *Store) MarkUserSeen(_ context.Context, user string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[user]; ok {
		return false, nil
	}
	s.seen[user] = s.now()
	return true, nil
}

// IncrementHostErrors atomically bumps the error count of host.
func (s *Store) IncrementHostErrors(_ context.Context, host string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[host]++
	return s.hosts[host], nil
}

// ListHosts returns error counts ordered by host.
func (s *Store) ListHosts(_ context.Context) ([]watch.HostState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]watch.HostState, 0, len(s.hosts))
	for host, n := range s.hosts {
		out = append(out, watch.HostState{Host: host, ErrorCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out, nil
}

func copySub(sub watch.Subscription) watch.Subscription {
	if sub.Watermark != nil {
		sub.Watermark = watch.Int64(*sub.Watermark)
	}
	return sub
}
