// Package command routes chat commands to handlers through an ordered table
// of (pattern, handler) routes.
package command

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/chanwatch/internal/metrics"
	"github.com/JakeFAU/chanwatch/internal/watch"
)

// Fixed replies.
const (
	WrongCommandMessage = "Wrong command. Try 'help'."
	ApologyMessage      = "Sorry, error while handling the request was occured. We will try to fix it as soon as possible."
)

// Request is one inbound command. User and To are bare JIDs.
type Request struct {
	User string
	To   string
	Text string
}

// Result is what a handler did with a request.
type Result struct {
	Handled bool
	Reply   string
}

// Handled returns a result carrying reply. An empty reply sends nothing.
func Handled(reply string) Result {
	return Result{Handled: true, Reply: reply}
}

// NotHandled lets the next route try the request.
var NotHandled = Result{}

// Handler serves a matched route. args are the pattern's submatches; an
// unmatched optional group is "". A non-nil error is a system fault.
type Handler func(ctx context.Context, req Request, args []string) (Result, error)

// Route binds a whole-text pattern to a handler.
type Route struct {
	Name    string
	Pattern *regexp.Regexp
	Handler Handler
}

// NewRoute compiles pattern anchored to the whole command text.
func NewRoute(name, pattern string, h Handler) Route {
	return Route{Name: name, Pattern: regexp.MustCompile(`\A(?:` + pattern + `)\z`), Handler: h}
}

// Module is a named group of routes. Modules with Help text are listed by
// the help module.
type Module struct {
	Name   string
	Help   string
	Routes []Route
}

// Config controls the dispatcher.
type Config struct {
	MaxLength int
}

// Dispatcher tries routes in order until one handles the request.
type Dispatcher struct {
	routes   []Route
	cfg      Config
	reporter watch.Reporter
	logger   *zap.Logger
}

// NewDispatcher concatenates the routes of modules in order.
func NewDispatcher(cfg Config, reporter watch.Reporter, logger *zap.Logger, modules ...Module) *Dispatcher {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{cfg: cfg, reporter: reporter, logger: logger.Named("command")}
	for _, m := range modules {
		d.routes = append(d.routes, m.Routes...)
	}
	return d
}

// Handle returns the reply for req. Handler errors never reach the user:
// they get an apology and the fault is reported.
func (d *Dispatcher) Handle(ctx context.Context, req Request) string {
	if n := utf8.RuneCountInString(req.Text); n > d.cfg.MaxLength {
		return fmt.Sprintf("Sorry, command is too long (%d chars). Max length is %d.", n, d.cfg.MaxLength)
	}
	text := strings.TrimSpace(req.Text)
	for _, route := range d.routes {
		m := route.Pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		res, err := route.Handler(ctx, req, m[1:])
		if err != nil {
			d.logger.Error("command failed",
				zap.String("route", route.Name),
				zap.String("user", req.User),
				zap.Error(err),
			)
			if d.reporter != nil {
				d.reporter.Report(ctx, fmt.Sprintf(
					"HANDLING XMPP REQUEST ERROR:\n\nINPUT:\nfrom=%s to=%s text=%q\n\nFAILURE:\n%v",
					req.User, req.To, req.Text, err))
			}
			metrics.ObserveCommand("error")
			return ApologyMessage
		}
		if res.Handled {
			metrics.ObserveCommand(route.Name)
			return res.Reply
		}
	}
	metrics.ObserveCommand("unknown")
	return WrongCommandMessage
}

// RequireAdmin wraps h so only admin can reach it; everyone else falls
// through to later routes.
func RequireAdmin(admin string, h Handler) Handler {
	return func(ctx context.Context, req Request, args []string) (Result, error) {
		if admin == "" || req.User != admin {
			return NotHandled, nil
		}
		return h(ctx, req, args)
	}
}
