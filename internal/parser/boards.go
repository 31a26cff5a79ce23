package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/JakeFAU/chanwatch/internal/watch"
)

type boardEntry struct {
	board   watch.Board
	pattern *regexp.Regexp
	parser  Parser
}

// BoardTable resolves user-supplied URLs against the configured boards.
type BoardTable struct {
	domain  string
	entries []boardEntry
}

// NewBoardTable compiles the URL patterns for boards. domain is the
// component domain notify identities live under.
func NewBoardTable(reg *Registry, domain string, boards []watch.Board) (*BoardTable, error) {
	t := &BoardTable{domain: domain}
	for _, b := range boards {
		host := strings.TrimSpace(strings.ToLower(b.Host))
		if host == "" {
			return nil, fmt.Errorf("board host is required")
		}
		p, ok := reg.Lookup(b.ParserKind)
		if !ok {
			return nil, fmt.Errorf("board %s: unknown parser %q", host, b.ParserKind)
		}
		t.entries = append(t.entries, boardEntry{
			board:   watch.Board{Host: host, ParserKind: b.ParserKind},
			pattern: p.ThreadPattern(host),
			parser:  p,
		})
	}
	return t, nil
}

// Match returns an unresolved subscription for url when a configured board
// accepts it.
func (t *BoardTable) Match(url string) (watch.Subscription, bool) {
	for _, e := range t.entries {
		if !e.pattern.MatchString(url) {
			continue
		}
		sub := watch.Subscription{
			URL:        url,
			Host:       e.board.Host,
			ParserKind: e.board.ParserKind,
			Type:       watch.ResourceThread,
		}
		sub.NotifyIdentity = e.parser.NotifyUsername(sub) + "@" + t.domain
		return sub, true
	}
	return watch.Subscription{}, false
}

// Hosts lists configured hosts in configuration order.
func (t *BoardTable) Hosts() []string {
	out := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.board.Host)
	}
	return out
}
