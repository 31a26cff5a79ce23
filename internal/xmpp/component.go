// Package xmpp connects chanwatch to an XMPP server as an external
// component (XEP-0114) and routes inbound stanzas.
package xmpp

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	mxmpp "mellium.im/xmpp"
	"mellium.im/xmpp/component"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
	"mellium.im/xmlstream"

	"github.com/JakeFAU/chanwatch/internal/clock"
	"github.com/JakeFAU/chanwatch/internal/watch"
)

var (
	// ErrNotConnected is returned by sends while no stream is open.
	ErrNotConnected = errors.New("xmpp component is not connected")
	// ErrHandshakeFailed is returned when the server rejects the secret.
	ErrHandshakeFailed = errors.New("component handshake failed")
)

// Handler receives inbound stanzas. Calls run on their own goroutine.
type Handler interface {
	HandleMessage(ctx context.Context, from, to, body string)
	HandlePresence(ctx context.Context, from, to string, kind watch.PresenceType)
}

// Dialer opens the TCP connection to the server.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Config describes the component connection.
type Config struct {
	Addr           string
	Domain         string
	Secret         string
	LogStanzas     bool
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	ReconnectDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	return c
}

// Option customises a Component.
type Option func(*Component)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Component) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) Option {
	return func(c *Component) { c.dial = d }
}

// WithClock replaces the clock used for reconnect delays.
func WithClock(clk clock.Clock) Option {
	return func(c *Component) { c.clock = clk }
}

// Component is one XEP-0114 session, re-established after failures.
type Component struct {
	cfg    Config
	logger *zap.Logger
	dial   Dialer
	clock  clock.Clock

	handler Handler

	mu      sync.Mutex
	session *mxmpp.Session

	wg sync.WaitGroup
}

// New creates a Component. SetHandler must be called before Serve.
func New(cfg Config, opts ...Option) *Component {
	c := &Component{
		cfg:    cfg.withDefaults(),
		logger: zap.NewNop(),
		clock:  clock.New(),
	}
	c.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: c.cfg.DialTimeout}
		return d.DialContext(ctx, network, addr)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("xmpp")
	return c
}

// SetHandler installs the inbound stanza handler.
func (c *Component) SetHandler(h Handler) {
	c.handler = h
}

// Serve keeps a session open until ctx is done, reconnecting after
// Config.ReconnectDelay when the stream fails.
func (c *Component) Serve(ctx context.Context) error {
	if c.handler == nil {
		return errors.New("xmpp: handler is not set")
	}
	for {
		err := c.serveSession(ctx)
		if ctx.Err() != nil {
			c.wg.Wait()
			return nil
		}
		c.logger.Warn("component session ended", zap.Error(err), zap.Duration("retry_in", c.cfg.ReconnectDelay))
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return nil
		case <-c.clock.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Component) serveSession(ctx context.Context) error {
	session, conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	c.setSession(session)
	c.logger.Info("component connected", zap.String("addr", c.cfg.Addr), zap.String("domain", c.cfg.Domain))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.closeSession(session, conn)
		case <-stop:
		}
	}()
	defer func() {
		c.setSession(nil)
		_ = conn.Close()
	}()

	if err := session.Serve(mxmpp.HandlerFunc(func(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
		c.handleStanza(ctx, t, start)
		return nil
	})); err != nil {
		return fmt.Errorf("serve stream: %w", err)
	}
	return errors.New("server closed the stream")
}

// connect dials and negotiates the component stream.
func (c *Component) connect(ctx context.Context) (*mxmpp.Session, net.Conn, error) {
	addr, err := jid.Parse(c.cfg.Domain)
	if err != nil {
		return nil, nil, fmt.Errorf("component domain %q: %w", c.cfg.Domain, err)
	}
	conn, err := c.dial(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	rw := tracedConn{Conn: conn, logger: c.logger, trace: c.cfg.LogStanzas, writeTimeout: c.cfg.WriteTimeout}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	session, err := component.NewSession(ctx, addr, []byte(c.cfg.Secret), rw)
	stop()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return session, conn, nil
}

// chatMessage is the inbound message shape: a stanza with a plain body.
type chatMessage struct {
	stanza.Message
	Body string `xml:"body"`
}

func (c *Component) handleStanza(ctx context.Context, t xmlstream.TokenReadEncoder, start *xml.StartElement) {
	d := xml.NewTokenDecoder(t)
	switch start.Name.Local {
	case "message":
		var m chatMessage
		if err := d.DecodeElement(&m, start); err != nil {
			c.logger.Debug("dropping malformed message", zap.Error(err))
			return
		}
		if m.Type != stanza.ChatMessage || m.Body == "" {
			return
		}
		from, to := m.From.String(), m.To.String()
		c.dispatch(func() { c.handler.HandleMessage(ctx, from, to, m.Body) })
	case "presence":
		var p stanza.Presence
		if err := d.DecodeElement(&p, start); err != nil {
			c.logger.Debug("dropping malformed presence", zap.Error(err))
			return
		}
		from, to, kind := p.From.String(), p.To.String(), watch.PresenceType(p.Type)
		c.dispatch(func() { c.handler.HandlePresence(ctx, from, to, kind) })
	}
}

func (c *Component) dispatch(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// SendMessage implements watch.Messenger. A non-empty Rich body is sent as
// XHTML-IM next to the plain body.
func (c *Component) SendMessage(ctx context.Context, msg watch.Message) error {
	to, from, err := parsePair(msg.To, msg.From)
	if err != nil {
		return err
	}
	payload := []xml.TokenReader{
		xmlstream.Wrap(xmlstream.Token(xml.CharData(msg.Body)), xml.StartElement{Name: xml.Name{Local: "body"}}),
	}
	if msg.Rich != "" {
		payload = append(payload, xhtmlIM(msg.Rich))
	}
	st := stanza.Message{To: to, From: from, Type: stanza.ChatMessage}
	return c.send(ctx, st.Wrap(xmlstream.MultiReader(payload...)))
}

// SendPresence implements watch.Messenger.
func (c *Component) SendPresence(ctx context.Context, p watch.Presence) error {
	to, from, err := parsePair(p.To, p.From)
	if err != nil {
		return err
	}
	st := stanza.Presence{To: to, From: from, Type: stanza.PresenceType(p.Type)}
	return c.send(ctx, st.Wrap(xmlstream.MultiReader()))
}

func (c *Component) send(ctx context.Context, r xml.TokenReader) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return ErrNotConnected
	}
	if err := session.Send(ctx, r); err != nil {
		return fmt.Errorf("write stanza: %w", err)
	}
	return nil
}

func (c *Component) setSession(s *mxmpp.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

func (c *Component) closeSession(session *mxmpp.Session, conn net.Conn) {
	c.mu.Lock()
	if c.session == session {
		c.session = nil
	}
	c.mu.Unlock()
	_ = session.Close()
	_ = conn.Close()
}

func parsePair(to, from string) (jid.JID, jid.JID, error) {
	toJID, err := jid.Parse(to)
	if err != nil {
		return jid.JID{}, jid.JID{}, fmt.Errorf("recipient %q: %w", to, err)
	}
	fromJID, err := jid.Parse(from)
	if err != nil {
		return jid.JID{}, jid.JID{}, fmt.Errorf("sender %q: %w", from, err)
	}
	return toJID, fromJID, nil
}

const (
	nsXHTMLIM = "http://jabber.org/protocol/xhtml-im"
	nsXHTML   = "http://www.w3.org/1999/xhtml"
)

// xhtmlIM wraps an HTML fragment in the XEP-0071 html/body pair. The
// fragment is read leniently so HTML entities and unclosed void tags
// still produce a well-formed payload.
func xhtmlIM(fragment string) xml.TokenReader {
	d := xml.NewDecoder(strings.NewReader(fragment))
	d.Strict = false
	d.AutoClose = xml.HTMLAutoClose
	d.Entity = xml.HTMLEntity
	body := xmlstream.Wrap(d, xml.StartElement{Name: xml.Name{Space: nsXHTML, Local: "body"}})
	return xmlstream.Wrap(body, xml.StartElement{Name: xml.Name{Space: nsXHTMLIM, Local: "html"}})
}

// tracedConn applies the write deadline and, when enabled, logs raw
// traffic at debug level.
type tracedConn struct {
	net.Conn
	logger       *zap.Logger
	trace        bool
	writeTimeout time.Duration
}

func (c tracedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if c.trace && n > 0 {
		c.logger.Debug("RECV", zap.ByteString("data", p[:n]))
	}
	return n, err
}

func (c tracedConn) Write(p []byte) (int, error) {
	if c.trace {
		c.logger.Debug("SEND", zap.ByteString("data", p))
	}
	_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.Conn.Write(p)
}

var _ watch.Messenger = (*Component)(nil)
