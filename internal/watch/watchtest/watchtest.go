// Package watchtest provides recording fakes for the watch collaborators.
package watchtest

import (
	"context"
	"sync"

	"github.com/JakeFAU/chanwatch/internal/watch"
)

// Messenger records every outbound stanza. Set Err to make sends fail.
type Messenger struct {
	mu        sync.Mutex
	messages  []watch.Message
	presences []watch.Presence
	Err       error
}

// SendMessage implements watch.Messenger.
func (m *Messenger) SendMessage(_ context.Context, msg watch.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.messages = append(m.messages, msg)
	return nil
}

// SendPresence implements watch.Messenger.
func (m *Messenger) SendPresence(_ context.Context, p watch.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.presences = append(m.presences, p)
	return nil
}

// Messages returns a copy of the recorded messages.
func (m *Messenger) Messages() []watch.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]watch.Message(nil), m.messages...)
}

// MessagesTo returns the recorded messages addressed to user.
func (m *Messenger) MessagesTo(user string) []watch.Message {
	var out []watch.Message
	for _, msg := range m.Messages() {
		if msg.To == user {
			out = append(out, msg)
		}
	}
	return out
}

// Presences returns a copy of the recorded presences.
func (m *Messenger) Presences() []watch.Presence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]watch.Presence(nil), m.presences...)
}

// PresencesTo returns the recorded presences addressed to user.
func (m *Messenger) PresencesTo(user string) []watch.Presence {
	var out []watch.Presence
	for _, p := range m.Presences() {
		if p.To == user {
			out = append(out, p)
		}
	}
	return out
}

// Reporter records diagnostic reports.
type Reporter struct {
	mu      sync.Mutex
	reports []string
}

// Report implements watch.Reporter.
func (r *Reporter) Report(_ context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, text)
}

// Reports returns a copy of the recorded reports.
func (r *Reporter) Reports() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reports...)
}

var (
	_ watch.Messenger = (*Messenger)(nil)
	_ watch.Reporter  = (*Reporter)(nil)
)
