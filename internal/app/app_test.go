package app_test

import (
	"context"
	"encoding/xml"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/chanwatch/internal/app"
	"github.com/JakeFAU/chanwatch/internal/config"
	"github.com/JakeFAU/chanwatch/internal/parser"
	"github.com/JakeFAU/chanwatch/internal/parseworker"
	"github.com/JakeFAU/chanwatch/internal/storage/memory"
	"github.com/JakeFAU/chanwatch/internal/watch"
)

const threadPage = `<html><body><form id="delform"><div id="thread">
<a name="1"></a><blockquote><p>op</p></blockquote>
<table><tbody><tr><td class="reply" id="reply2"><a name="2"></a>
<label><span class="commentpostername">Anonymous</span></label>
<blockquote><p>reply</p></blockquote>
</td></tr></tbody></table>
</div></form></body></html>`

// TestAppHelperWorker is the parse worker child of TestServeSubscribesOverXMPP.
func TestAppHelperWorker(t *testing.T) {
	if os.Getenv("CHANWATCH_APP_HELPER_WORKER") != "1" {
		return
	}
	defer os.Exit(0)
	_ = parseworker.Serve(context.Background(), parser.Default(), os.Stdin, os.Stdout, os.Stderr)
}

func baseConfig() config.Config {
	return config.Config{
		XMPP: config.XMPPConfig{
			Addr:         "xmpp.invalid:5347",
			Domain:       "chan.example",
			Secret:       "sesame",
			MainUsername: "main",
			Resource:     "chanwatch",
		},
		Worker:        config.WorkerConfig{TaskTimeoutSeconds: 30, RestartBackoffSeconds: 1},
		Scheduler:     config.SchedulerConfig{IntervalSeconds: 3600, MaxInFlight: 5, DeferDelaySeconds: 1},
		Throttle:      config.ThrottleConfig{IntervalMillis: 10},
		HTTP:          config.HTTPConfig{TimeoutSeconds: 5},
		Subscriptions: config.SubscriptionsConfig{MaxPerUser: 20},
		Commands:      config.CommandsConfig{MaxLength: 500},
		Boards:        []watch.Board{{Host: "nowere.net", ParserKind: parser.KindWakaba}},
		Store:         config.StoreConfig{Backend: config.StoreMemory},
		Archive:       config.ArchiveConfig{Backend: config.ArchiveNone, Prefix: "pages"},
		Server:        config.ServerConfig{Addr: "127.0.0.1:0"},
	}
}

func TestBuildWithDefaults(t *testing.T) {
	a, err := app.Build(context.Background(), baseConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.NotNil(t, a.Router())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"in_flight":0,"worker_pending":0}`, rec.Body.String())
}

func TestBuildWithoutServer(t *testing.T) {
	cfg := baseConfig()
	cfg.Server.Addr = ""
	a, err := app.Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.Nil(t, a.Handler())
}

func TestBuildRejectsUnknownParser(t *testing.T) {
	cfg := baseConfig()
	cfg.Boards = []watch.Board{{Host: "nowere.net", ParserKind: "kusaba"}}
	_, err := app.Build(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "unknown parser")
}

func TestBuildLocalArchive(t *testing.T) {
	cfg := baseConfig()
	cfg.Archive = config.ArchiveConfig{Backend: config.ArchiveLocal, BaseDir: t.TempDir(), Prefix: "pages"}
	a, err := app.Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	a.Close()
	// Close is idempotent.
	a.Close()
}

func TestBuildPostgresRejectsBadDSN(t *testing.T) {
	cfg := baseConfig()
	cfg.Store = config.StoreConfig{Backend: config.StorePostgres}
	cfg.DB.DSN = "://bad"
	_, err := app.Build(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "postgres store init failed")
}

// TestServeSubscribesOverXMPP runs the whole service against a scripted
// XMPP server and a local board: the subscribe command resolves the thread
// through the parse worker and the user gets a presence request and a
// confirmation.
func TestServeSubscribesOverXMPP(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a parse worker process")
	}
	board := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/b/res/1.html" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(threadPage))
	}))
	t.Cleanup(board.Close)
	host := strings.TrimPrefix(board.URL, "http://")
	threadURL := board.URL + "/b/res/1.html"

	cfg := baseConfig()
	cfg.Boards = []watch.Board{{Host: host, ParserKind: parser.KindWakaba}}
	cfg.Worker.Command = []string{os.Args[0], "-test.run=^TestAppHelperWorker$"}
	cfg.Worker.Env = []string{"CHANWATCH_APP_HELPER_WORKER=1"}

	serverConn, clientConn := net.Pipe()
	dialed := make(chan struct{})
	dialer := func(ctx context.Context, _, _ string) (net.Conn, error) {
		select {
		case <-dialed:
			<-ctx.Done()
			return nil, ctx.Err()
		default:
			close(dialed)
			return clientConn, nil
		}
	}
	store := memory.NewStore()
	a, err := app.Build(context.Background(), cfg, zap.NewNop(), app.WithDialer(dialer), app.WithStore(store))
	require.NoError(t, err)

	srv := newScriptedServer(serverConn)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})

	srv.send(t, `<message from='alice@example.org/home' to='main@chan.example' type='chat'><body>s `+threadURL+` my thread</body></message>`)

	var sawPresence bool
	deadline := time.After(20 * time.Second)
	for {
		select {
		case st := <-srv.stanzas:
			if st.name == "presence" && st.typ == string(watch.PresenceSubscribe) && st.to == "alice@example.org" {
				sawPresence = true
			}
			if st.name == "message" && strings.HasPrefix(st.body, "Subscribed to "+threadURL) {
				require.True(t, sawPresence, "presence request must precede the confirmation")
				sub, err := store.GetSubscription(context.Background(), threadURL)
				require.NoError(t, err)
				require.True(t, sub.Initialized())
				require.EqualValues(t, 2, *sub.Watermark)
				ok, err := store.IsSubscribed(context.Background(), "alice@example.org", threadURL)
				require.NoError(t, err)
				require.True(t, ok)
				return
			}
		case <-deadline:
			t.Fatal("no subscription confirmation")
		}
	}
}

type stanza struct {
	name, to, typ, body string
}

type scriptedServer struct {
	conn    net.Conn
	ready   chan struct{}
	stanzas chan stanza
}

// newScriptedServer accepts any handshake and then reports every message
// and presence the component writes.
func newScriptedServer(conn net.Conn) *scriptedServer {
	s := &scriptedServer{conn: conn, ready: make(chan struct{}), stanzas: make(chan stanza, 64)}
	go s.run()
	return s
}

func (s *scriptedServer) run() {
	dec := xml.NewDecoder(s.conn)
	if _, err := nextStart(dec); err != nil {
		return
	}
	_, _ = s.conn.Write([]byte("<?xml version='1.0'?><stream:stream xmlns='jabber:component:accept' " +
		"xmlns:stream='http://etherx.jabber.org/streams' from='chan.example' id='sid'>"))
	start, err := nextStart(dec)
	if err != nil || start.Name.Local != "handshake" {
		return
	}
	if err := dec.Skip(); err != nil {
		return
	}
	_, _ = s.conn.Write([]byte("<handshake/>"))
	close(s.ready)

	for {
		start, err := nextStart(dec)
		if err != nil {
			return
		}
		var st struct {
			To   string `xml:"to,attr"`
			Type string `xml:"type,attr"`
			Body string `xml:"body"`
		}
		if err := dec.DecodeElement(&st, &start); err != nil {
			return
		}
		select {
		case s.stanzas <- stanza{name: start.Name.Local, to: st.To, typ: st.Type, body: st.Body}:
		default:
		}
	}
}

func (s *scriptedServer) send(t *testing.T, raw string) {
	t.Helper()
	select {
	case <-s.ready:
	case <-time.After(10 * time.Second):
		t.Fatal("component never completed the handshake")
	}
	_, err := s.conn.Write([]byte(raw))
	require.NoError(t, err)
}

func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}
