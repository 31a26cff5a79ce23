package xmpp

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/chanwatch/internal/command"
	"github.com/JakeFAU/chanwatch/internal/watch"
	"github.com/JakeFAU/chanwatch/internal/watch/watchtest"
)

const (
	mainJID   = "main@chan.example"
	threadJID = "nowere.net_b_1@chan.example"
)

type fakeIdentities struct {
	mu    sync.Mutex
	alive map[string]bool
	seen  map[string]bool
	err   error
}

func (f *fakeIdentities) IdentityExists(_ context.Context, id string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.alive[id], nil
}

func (f *fakeIdentities) MarkUserSeen(_ context.Context, user string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[user] {
		return false, nil
	}
	f.seen[user] = true
	return true, nil
}

type echoCommands struct {
	mu   sync.Mutex
	reqs []command.Request
}

func (e *echoCommands) Handle(_ context.Context, req command.Request) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqs = append(e.reqs, req)
	return "echo: " + req.Text
}

type routerFixture struct {
	ids      *fakeIdentities
	cmds     *echoCommands
	msgr     *watchtest.Messenger
	reporter *watchtest.Reporter
	router   *Router
}

func newRouterFixture(cfg RouterConfig) *routerFixture {
	if cfg.MainJID == "" {
		cfg.MainJID = mainJID
	}
	if cfg.Resource == "" {
		cfg.Resource = "chanwatch"
	}
	f := &routerFixture{
		ids:      &fakeIdentities{alive: map[string]bool{threadJID: true}, seen: map[string]bool{}},
		cmds:     &echoCommands{},
		msgr:     &watchtest.Messenger{},
		reporter: &watchtest.Reporter{},
	}
	f.router = NewRouter(cfg, f.ids, f.cmds, f.msgr, f.reporter, nil)
	return f
}

func TestSubscribeToMainGreetsOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newRouterFixture(RouterConfig{})

	f.router.HandlePresence(ctx, "bob@x/home", mainJID, watch.PresenceSubscribe)
	require.Equal(t, []watch.Presence{
		{To: "bob@x", From: mainJID, Type: watch.PresenceSubscribed},
		{To: "bob@x", From: mainJID, Type: watch.PresenceSubscribe},
		{To: "bob@x/home", From: mainJID + "/chanwatch", Type: watch.PresenceAvailable},
	}, f.msgr.Presences())
	require.Equal(t, []watch.Message{{To: "bob@x/home", From: mainJID + "/chanwatch", Body: GreetingMessage}}, f.msgr.Messages())

	f.router.HandlePresence(ctx, "bob@x/home", mainJID, watch.PresenceSubscribe)
	require.Len(t, f.msgr.Messages(), 1)
}

func TestPresenceForThreadIdentities(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newRouterFixture(RouterConfig{})

	f.router.HandlePresence(ctx, "bob@x/home", threadJID+"/whatever", watch.PresenceSubscribe)
	require.Equal(t, []watch.Presence{
		{To: "bob@x", From: threadJID, Type: watch.PresenceSubscribed},
		{To: "bob@x/home", From: threadJID + "/chanwatch", Type: watch.PresenceAvailable},
	}, f.msgr.Presences())
	require.Empty(t, f.msgr.Messages())

	dead := newRouterFixture(RouterConfig{})
	dead.router.HandlePresence(ctx, "bob@x/home", "gone_b_2@chan.example", watch.PresenceSubscribe)
	require.Empty(t, dead.msgr.Presences())

	dead.router.HandlePresence(ctx, "bob@x/home", "gone_b_2@chan.example", watch.PresenceProbe)
	require.Equal(t, []watch.Presence{
		{To: "bob@x/home", From: "gone_b_2@chan.example/chanwatch", Type: watch.PresenceAvailable},
	}, dead.msgr.Presences())
}

func TestMessagesAreDispatched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newRouterFixture(RouterConfig{})

	f.router.HandleMessage(ctx, "bob@x/home", threadJID, "u")
	require.Equal(t, []command.Request{{User: "bob@x", To: threadJID, Text: "u"}}, f.cmds.reqs)
	require.Equal(t, []watch.Message{{To: "bob@x/home", From: threadJID + "/chanwatch", Body: "echo: u"}}, f.msgr.Messages())
}

func TestMessageToDeadIdentity(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(RouterConfig{})

	f.router.HandleMessage(context.Background(), "bob@x/home", "gone_b_2@chan.example", "help")
	require.Empty(t, f.cmds.reqs)
	require.Equal(t, []watch.Message{{To: "bob@x/home", From: "gone_b_2@chan.example/chanwatch", Body: DeadJIDMessage}}, f.msgr.Messages())
}

func TestLookupFailureApologises(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(RouterConfig{})
	f.ids.err = errors.New("database is down")

	f.router.HandleMessage(context.Background(), "bob@x/home", threadJID, "l")
	msgs := f.msgr.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, command.ApologyMessage, msgs[0].Body)
	require.Len(t, f.reporter.Reports(), 1)
	require.Contains(t, f.reporter.Reports()[0], "database is down")
}

func TestSenderFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []struct {
		name   string
		cfg    RouterConfig
		sender string
		served bool
	}{
		{"only admin rejects others", RouterConfig{OnlyAdmin: true, AdminJID: "admin@x"}, "bob@x/home", false},
		{"only admin serves admin", RouterConfig{OnlyAdmin: true, AdminJID: "admin@x"}, "admin@x/home", true},
		{"blacklisted server", RouterConfig{Blacklist: []string{"*.spam"}}, "bot@jabber.spam/r", false},
		{"not blacklisted", RouterConfig{Blacklist: []string{"*.spam"}}, "bob@jabber.org/r", true},
		{"whitelisted server", RouterConfig{Whitelist: []string{"jabber.org"}}, "bob@jabber.org/r", true},
		{"outside whitelist", RouterConfig{Whitelist: []string{"jabber.org"}}, "bob@jabber.ru/r", false},
	}
	for _, tc := range cases {
		f := newRouterFixture(tc.cfg)
		f.router.HandleMessage(ctx, tc.sender, mainJID, "help")
		f.router.HandlePresence(ctx, tc.sender, mainJID, watch.PresenceProbe)
		if tc.served {
			require.Len(t, f.cmds.reqs, 1, tc.name)
			require.Len(t, f.msgr.Presences(), 1, tc.name)
		} else {
			require.Empty(t, f.cmds.reqs, tc.name)
			require.Empty(t, f.msgr.Presences(), tc.name)
			require.Empty(t, f.msgr.Messages(), tc.name)
		}
	}
}
