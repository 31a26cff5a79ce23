package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/chanwatch/internal/subscribe"
)

// Subscriber is the subscription lifecycle the chans module drives.
type Subscriber interface {
	Subscribe(ctx context.Context, user, url, description string) (string, error)
	Unsubscribe(ctx context.Context, user, identity, url string) (string, error)
	List(ctx context.Context, user string) (string, error)
}

// InFlighter reports the scheduler's current in-flight count.
type InFlighter interface {
	InFlight() int
}

const subscribePattern = `[Ss] +(\S+)(?: +(.+))?`

// Help lists the modules that carry help text and serves "help <module>".
func Help(modules ...Module) Module {
	var names []string
	texts := make(map[string]string)
	for _, m := range modules {
		if m.Help == "" {
			continue
		}
		names = append(names, m.Name)
		texts[strings.ToLower(m.Name)] = m.Name + " plugin help:\n\n" + m.Help
	}
	general := strings.Join([]string{
		"Help:",
		"",
		"Help [plugin]",
		"Show this message or plugin help.",
		"List of plugins: " + strings.Join(names, ", "),
		"",
		"All commands could be typed with or without",
		"initial cap i.e. 'Help' = 'help'.",
		"Spaces between arguments are not significant",
		"i.e. it's ok to type '   S     url    '.",
	}, "\n")

	return Module{
		Name: "help",
		Routes: []Route{
			NewRoute("help", `[Hh]elp(?: +(\S+))?`, func(_ context.Context, _ Request, args []string) (Result, error) {
				if args[0] == "" {
					return Handled(general), nil
				}
				if text, ok := texts[strings.ToLower(args[0])]; ok {
					return Handled(text), nil
				}
				return NotHandled, nil
			}),
		},
	}
}

// Chans handles subscriptions to threads on the configured boards.
func Chans(svc Subscriber, hosts []string) Module {
	chans := strings.Join(append([]string{"Chans:"}, hosts...), "\n")
	help := strings.Join([]string{
		"S <url> [description]",
		"Subscribe to url.",
		"",
		"U [url]",
		"Unsubscribe from current or given url.",
		"",
		"L",
		"Show your subscriptions list.",
		"",
		"Chans",
		"Show list of supported chans.",
		"",
		"Usage example:",
		"S http://example.com/b/res/1947391.html",
		"U",
	}, "\n")

	return Module{
		Name: "chans",
		Help: help,
		Routes: []Route{
			NewRoute("subscribe", subscribePattern, func(ctx context.Context, req Request, args []string) (Result, error) {
				reply, err := svc.Subscribe(ctx, req.User, args[0], args[1])
				if errors.Is(err, subscribe.ErrUnsupportedURL) {
					return NotHandled, nil
				}
				if err != nil {
					return NotHandled, err
				}
				return Handled(reply), nil
			}),
			NewRoute("unsubscribe", `[Uu](?: +(\S+))?`, func(ctx context.Context, req Request, args []string) (Result, error) {
				reply, err := svc.Unsubscribe(ctx, req.User, req.To, args[0])
				if err != nil {
					return NotHandled, err
				}
				return Handled(reply), nil
			}),
			NewRoute("list", `[Ll]`, func(ctx context.Context, req Request, _ []string) (Result, error) {
				reply, err := svc.List(ctx, req.User)
				if err != nil {
					return NotHandled, err
				}
				return Handled(reply), nil
			}),
			NewRoute("chans", `[Cc]hans`, func(context.Context, Request, []string) (Result, error) {
				return Handled(chans), nil
			}),
		},
	}
}

// Updater reports scheduler state to the admin.
func Updater(admin string, sched InFlighter) Module {
	return Module{
		Name: "updater",
		Routes: []Route{
			NewRoute("upd", `[Uu]pd`, RequireAdmin(admin, func(context.Context, Request, []string) (Result, error) {
				return Handled(fmt.Sprintf("Updater plugin info:\ncurrent connections count: %d", sched.InFlight())), nil
			})),
		},
	}
}

// Fallback answers subscribe requests no board accepted.
func Fallback() Module {
	return Module{
		Name: "fallback",
		Routes: []Route{
			NewRoute("wrong_url", subscribePattern, func(context.Context, Request, []string) (Result, error) {
				return Handled("Wrong url. Info about supported urls you can get in appropriate plugin's help."), nil
			}),
		},
	}
}

// Standard composes the modules chanwatch serves, in dispatch order.
func Standard(svc Subscriber, hosts []string, admin string, sched InFlighter) []Module {
	modules := []Module{Chans(svc, hosts), Updater(admin, sched), Fallback()}
	return append([]Module{Help(modules...)}, modules...)
}
