package xmpp

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/chanwatch/internal/command"
	"github.com/JakeFAU/chanwatch/internal/watch"
)

// Replies the router sends on its own.
const (
	GreetingMessage = "Oh hai. Type 'help' (without quotes) for help and basic info."
	DeadJIDMessage  = "This jid is dead or doesn't exist. Please send commands to existing jids or to the main jid."
)

// Identities answers which JIDs are alive and tracks first contact.
type Identities interface {
	IdentityExists(ctx context.Context, identity string) (bool, error)
	MarkUserSeen(ctx context.Context, user string) (bool, error)
}

// Commands turns command text into a reply.
type Commands interface {
	Handle(ctx context.Context, req command.Request) string
}

// RouterConfig controls who may talk to the service.
type RouterConfig struct {
	// MainJID is the bare JID of the always-alive main identity.
	MainJID   string
	Resource  string
	AdminJID  string
	OnlyAdmin bool
	// Blacklist rejects senders from these servers.
	Blacklist []string
	// Whitelist, when set, accepts senders from these servers only.
	Whitelist []string
}

// Router implements Handler: presence bookkeeping, dead identity replies
// and command dispatch.
type Router struct {
	cfg       RouterConfig
	ids       Identities
	commands  Commands
	messenger watch.Messenger
	reporter  watch.Reporter
	blocked   *domainList
	allowed   *domainList
	logger    *zap.Logger
}

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig, ids Identities, commands Commands, messenger watch.Messenger, reporter watch.Reporter, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cfg:       cfg,
		ids:       ids,
		commands:  commands,
		messenger: messenger,
		reporter:  reporter,
		blocked:   newDomainList(cfg.Blacklist),
		allowed:   newDomainList(cfg.Whitelist),
		logger:    logger.Named("router"),
	}
}

func (r *Router) accepts(user string) bool {
	if r.cfg.OnlyAdmin && user != r.cfg.AdminJID {
		return false
	}
	domain := watch.DomainOf(user)
	if r.blocked.Contains(domain) {
		return false
	}
	if r.allowed != nil && !r.allowed.Contains(domain) {
		return false
	}
	return true
}

func (r *Router) alive(ctx context.Context, jid string) (bool, error) {
	if jid == r.cfg.MainJID {
		return true, nil
	}
	ok, err := r.ids.IdentityExists(ctx, jid)
	if err != nil {
		return false, fmt.Errorf("check identity: %w", err)
	}
	return ok, nil
}

// HandlePresence approves subscriptions to live identities and answers
// probes with an available presence. The first subscribe to the main
// identity also gets a greeting.
func (r *Router) HandlePresence(ctx context.Context, from, to string, kind watch.PresenceType) {
	user := watch.BareJID(from)
	if !r.accepts(user) {
		return
	}
	our := watch.BareJID(to)
	ourFull := watch.FullJID(our, r.cfg.Resource)
	alive, err := r.alive(ctx, our)
	if err != nil {
		r.logger.Error("presence lookup failed", zap.String("from", from), zap.String("to", to), zap.Error(err))
		return
	}

	sendStatus := false
	if kind == watch.PresenceSubscribe && alive {
		r.presence(ctx, watch.Presence{To: user, From: our, Type: watch.PresenceSubscribed})
		if our == r.cfg.MainJID {
			r.presence(ctx, watch.Presence{To: user, From: our, Type: watch.PresenceSubscribe})
			first, err := r.ids.MarkUserSeen(ctx, user)
			if err != nil {
				r.logger.Error("record user failed", zap.String("user", user), zap.Error(err))
			}
			if first {
				r.message(ctx, watch.Message{To: from, From: ourFull, Body: GreetingMessage})
			}
		}
		sendStatus = true
	}
	if kind == watch.PresenceProbe || sendStatus {
		r.presence(ctx, watch.Presence{To: from, From: ourFull, Type: watch.PresenceAvailable})
	}
}

// HandleMessage dispatches a chat command sent to a live identity.
func (r *Router) HandleMessage(ctx context.Context, from, to, body string) {
	user := watch.BareJID(from)
	if !r.accepts(user) {
		return
	}
	our := watch.BareJID(to)
	ourFull := watch.FullJID(our, r.cfg.Resource)

	alive, err := r.alive(ctx, our)
	if err != nil {
		r.message(ctx, watch.Message{To: from, From: ourFull, Body: command.ApologyMessage})
		if r.reporter != nil {
			r.reporter.Report(ctx, fmt.Sprintf(
				"HANDLING XMPP REQUEST ERROR:\n\nINPUT:\nfrom=%s to=%s text=%q\n\nFAILURE:\n%v", from, to, body, err))
		}
		return
	}
	if !alive {
		r.message(ctx, watch.Message{To: from, From: ourFull, Body: DeadJIDMessage})
		return
	}

	reply := r.commands.Handle(ctx, command.Request{User: user, To: our, Text: body})
	if reply != "" {
		r.message(ctx, watch.Message{To: from, From: ourFull, Body: reply})
	}
}

func (r *Router) presence(ctx context.Context, p watch.Presence) {
	if err := r.messenger.SendPresence(ctx, p); err != nil {
		r.logger.Warn("send presence failed", zap.String("to", p.To), zap.Error(err))
	}
}

func (r *Router) message(ctx context.Context, m watch.Message) {
	if err := r.messenger.SendMessage(ctx, m); err != nil {
		r.logger.Warn("send message failed", zap.String("to", m.To), zap.Error(err))
	}
}

var _ Handler = (*Router)(nil)
