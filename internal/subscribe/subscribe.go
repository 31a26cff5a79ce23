// Package subscribe implements the user-facing subscription lifecycle:
// first resolution of a url, linking users to it and unlinking them.
package subscribe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/chanwatch/internal/watch"
)

// Replies sent back to the user.
const (
	AlreadySubscribedMessage = "You've already subscribed to this url."
	NotSubscribedMessage     = "You haven't subscribed to this url."
	CheckFailedMessage       = "Url check failed, subscription aborted. Seems like not existing url."
	ParseFailedMessage       = "Page parsing failed, subscription aborted. Seems like not existing url."
)

// ErrUnsupportedURL is returned when no configured board accepts the url.
var ErrUnsupportedURL = errors.New("url does not match any configured board")

// Matcher resolves a url to an unresolved subscription.
type Matcher interface {
	Match(url string) (watch.Subscription, bool)
}

// Config controls subscription limits.
type Config struct {
	MaxPerUser int
}

// Deps are the collaborators of Service.
type Deps struct {
	Store     watch.Store
	Boards    Matcher
	Fetcher   watch.Fetcher
	Throttle  watch.Throttle
	Worker    watch.ParseWorker
	Messenger watch.Messenger
}

// Service runs subscribe, unsubscribe and list for users.
type Service struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New creates a Service.
func New(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, cfg: cfg, logger: logger.Named("subscribe")}
}

// Subscribe links user to url, resolving the url first when nobody watches
// it yet. The first resolution only records the newest post; no posts are
// sent. The returned text is the reply for the user. ErrUnsupportedURL means
// another handler may want the url.
func (s *Service) Subscribe(ctx context.Context, user, url, description string) (string, error) {
	reply, err := s.subscribe(ctx, user, url, description)
	if errors.Is(err, watch.ErrNotFound) {
		// The subscription was removed between lookup and link; resolve again.
		s.logger.Info("subscription vanished while linking", zap.String("url", url))
		reply, err = s.subscribe(ctx, user, url, description)
	}
	return reply, err
}

func (s *Service) subscribe(ctx context.Context, user, url, description string) (string, error) {
	store := s.deps.Store
	count, err := store.CountUserSubscriptions(ctx, user)
	if err != nil {
		return "", fmt.Errorf("count subscriptions: %w", err)
	}
	if count >= s.cfg.MaxPerUser {
		return fmt.Sprintf("Sorry, %d subscriptions max.", s.cfg.MaxPerUser), nil
	}
	subscribed, err := store.IsSubscribed(ctx, user, url)
	if err != nil {
		return "", fmt.Errorf("check subscription: %w", err)
	}
	if subscribed {
		return AlreadySubscribedMessage, nil
	}

	sub, ok := s.deps.Boards.Match(url)
	if !ok {
		return "", ErrUnsupportedURL
	}

	existing, err := store.GetSubscription(ctx, url)
	switch {
	case err == nil && existing.Initialized():
		sub = existing
	case err != nil && !errors.Is(err, watch.ErrNotFound):
		return "", fmt.Errorf("get subscription: %w", err)
	default:
		watermark, reply, err := s.resolve(ctx, sub)
		if err != nil || reply != "" {
			return reply, err
		}
		sub.Watermark = watch.Int64(watermark)
		if err := store.CreateSubscription(ctx, sub); err != nil {
			return "", fmt.Errorf("create subscription: %w", err)
		}
	}

	link := watch.UserSubscription{User: user, URL: url, Description: strings.TrimSpace(description)}
	if err := store.AddUserSubscription(ctx, link); err != nil {
		if errors.Is(err, watch.ErrAlreadySubscribed) {
			return AlreadySubscribedMessage, nil
		}
		return "", fmt.Errorf("add user subscription: %w", err)
	}
	s.presence(ctx, user, sub.NotifyIdentity, watch.PresenceSubscribe)
	s.logger.Info("subscribed", zap.String("user", user), zap.String("url", url))
	return fmt.Sprintf("Subscribed to %s. Updates will come from %s.", url, sub.NotifyIdentity), nil
}

// resolve fetches and parses a url nobody watches yet. A non-empty reply
// means the subscription is aborted.
func (s *Service) resolve(ctx context.Context, sub watch.Subscription) (int64, string, error) {
	if err := s.deps.Throttle.Wait(ctx, sub.Host, watch.LevelFetch); err != nil {
		return 0, "", fmt.Errorf("wait for host: %w", err)
	}
	page, err := s.deps.Fetcher.Fetch(ctx, sub.URL)
	if err != nil {
		if ctx.Err() != nil {
			return 0, "", ctx.Err()
		}
		s.logger.Info("initial fetch failed", zap.String("url", sub.URL), zap.Error(err))
		return 0, CheckFailedMessage, nil
	}

	type outcome struct {
		res watch.ParseResult
		err error
	}
	done := make(chan outcome, 1)
	sub.Watermark = nil
	err = s.deps.Worker.Submit(watch.TaskFor(sub, page.Body), func(_ watch.Task, res watch.ParseResult, err error) {
		done <- outcome{res: res, err: err}
	})
	if err != nil {
		return 0, "", fmt.Errorf("submit parse task: %w", err)
	}

	select {
	case <-ctx.Done():
		return 0, "", ctx.Err()
	case out := <-done:
		if out.err != nil || out.res.Abstained() {
			s.logger.Info("initial parse failed", zap.String("url", sub.URL), zap.Error(out.err))
			return 0, ParseFailedMessage, nil
		}
		return *out.res.Watermark, "", nil
	}
}

// Unsubscribe unlinks user from url. An empty url means the subscription
// whose notify identity the command was sent to.
func (s *Service) Unsubscribe(ctx context.Context, user, identity, url string) (string, error) {
	store := s.deps.Store
	if url == "" {
		found, err := store.URLByIdentity(ctx, identity)
		if errors.Is(err, watch.ErrNotFound) {
			return NotSubscribedMessage, nil
		}
		if err != nil {
			return "", fmt.Errorf("resolve identity: %w", err)
		}
		url = found
	} else {
		sub, err := store.GetSubscription(ctx, url)
		if errors.Is(err, watch.ErrNotFound) {
			return NotSubscribedMessage, nil
		}
		if err != nil {
			return "", fmt.Errorf("get subscription: %w", err)
		}
		identity = sub.NotifyIdentity
	}

	if err := store.RemoveUserSubscription(ctx, user, url); err != nil {
		if errors.Is(err, watch.ErrNotFound) {
			return NotSubscribedMessage, nil
		}
		return "", fmt.Errorf("remove user subscription: %w", err)
	}
	if _, err := store.RemoveIfEmpty(ctx, url); err != nil {
		return "", fmt.Errorf("remove empty subscription: %w", err)
	}
	s.presence(ctx, user, identity, watch.PresenceUnsubscribe)
	s.presence(ctx, user, identity, watch.PresenceUnsubscribed)
	s.logger.Info("unsubscribed", zap.String("user", user), zap.String("url", url))
	return fmt.Sprintf("Unsubscribed from %s.", url), nil
}

// List renders the user's subscriptions, one per line.
func (s *Service) List(ctx context.Context, user string) (string, error) {
	links, err := s.deps.Store.ListUserSubscriptions(ctx, user)
	if err != nil {
		return "", fmt.Errorf("list subscriptions: %w", err)
	}
	lines := []string{"Your subscriptions:"}
	for _, l := range links {
		if l.Description != "" {
			lines = append(lines, l.URL+" "+l.Description)
			continue
		}
		lines = append(lines, l.URL)
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Service) presence(ctx context.Context, user, from string, kind watch.PresenceType) {
	if err := s.deps.Messenger.SendPresence(ctx, watch.Presence{To: user, From: from, Type: kind}); err != nil {
		s.logger.Warn("send presence failed", zap.String("user", user), zap.String("type", string(kind)), zap.Error(err))
	}
}
