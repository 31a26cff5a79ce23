// Package watch defines core types shared across the subscription subsystems.
package watch

import (
	"strings"
	"time"
)

// ResourceType distinguishes single resources from collections.
type ResourceType string

// Resource types understood by the parsers.
const (
	ResourceThread ResourceType = "thread"
	ResourceBoard  ResourceType = "board"
)

// Level selects the throttle gate a host access is counted against.
type Level int

// Throttle levels. They never block each other.
const (
	LevelCheck Level = 1
	LevelFetch Level = 2
)

// String renders the level for logs and metric labels.
func (l Level) String() string {
	switch l {
	case LevelCheck:
		return "check"
	case LevelFetch:
		return "fetch"
	default:
		return "unknown"
	}
}

// FeatureLastModified marks parsers whose sites expose a usable Last-Modified header.
const FeatureLastModified = "last_modified"

// Subscription is the shared, URL-keyed polling record.
type Subscription struct {
	URL            string       `json:"url"`
	Host           string       `json:"host"`
	ParserKind     string       `json:"parser"`
	Type           ResourceType `json:"type"`
	Watermark      *int64       `json:"watermark,omitempty"`
	Validator      string       `json:"validator,omitempty"`
	NotifyIdentity string       `json:"notify_identity"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Initialized reports whether the subscription has a watermark.
func (s Subscription) Initialized() bool {
	return s.Watermark != nil
}

// UserSubscription links a user identity to a subscription URL.
type UserSubscription struct {
	User        string    `json:"user"`
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// HostState tracks error accounting per host.
type HostState struct {
	Host       string `json:"host"`
	ErrorCount int64  `json:"error_count"`
}

// Board binds a configured host to the parser that understands it.
type Board struct {
	Host       string `mapstructure:"host" json:"host"`
	ParserKind string `mapstructure:"parser" json:"parser"`
}

// Post is one rendered update: a plain-text body and an XHTML body.
type Post struct {
	Text string `json:"text"`
	Rich string `json:"rich,omitempty"`
}

// ParseResult is what a parser returns for one page. A nil watermark means
// the parser abstained and nothing should change.
type ParseResult struct {
	Watermark *int64 `json:"watermark,omitempty"`
	Posts     []Post `json:"posts,omitempty"`
}

// Abstained reports whether the result carries no watermark.
func (r ParseResult) Abstained() bool {
	return r.Watermark == nil
}

// Task is one unit of parse work sent to the worker.
type Task struct {
	ID         uint64
	URL        string
	Host       string
	ParserKind string
	Type       ResourceType
	Watermark  *int64
	Body       []byte
}

// TaskFor builds a parse task for a subscription and fetched page body.
func TaskFor(sub Subscription, body []byte) Task {
	return Task{
		URL:        sub.URL,
		Host:       sub.Host,
		ParserKind: sub.ParserKind,
		Type:       sub.Type,
		Watermark:  sub.Watermark,
		Body:       body,
	}
}

// Page is the outcome of a successful full fetch.
type Page struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
}

// PresenceType enumerates the presence stanzas the service emits.
type PresenceType string

// Presence kinds. PresenceAvailable is sent without a type attribute.
const (
	PresenceAvailable    PresenceType = ""
	PresenceSubscribe    PresenceType = "subscribe"
	PresenceSubscribed   PresenceType = "subscribed"
	PresenceUnsubscribe  PresenceType = "unsubscribe"
	PresenceUnsubscribed PresenceType = "unsubscribed"
	PresenceProbe        PresenceType = "probe"
)

// Message is an outbound chat message.
type Message struct {
	To   string
	From string
	Body string
	Rich string
}

// Presence is an outbound presence stanza.
type Presence struct {
	To   string
	From string
	Type PresenceType
}

// BareJID strips the resource part of a JID.
func BareJID(jid string) string {
	if i := strings.IndexByte(jid, '/'); i >= 0 {
		return jid[:i]
	}
	return jid
}

// FullJID appends a resource to a bare JID.
func FullJID(jid, resource string) string {
	if resource == "" {
		return jid
	}
	return jid + "/" + resource
}

// DomainOf returns the domain part of a JID.
func DomainOf(jid string) string {
	jid = BareJID(jid)
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[i+1:]
	}
	return jid
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}

// UpdateEvent describes one reconciled poll that produced new posts. It is
// published to the update topic when a publisher is configured.
type UpdateEvent struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Host        string    `json:"host"`
	Watermark   int64     `json:"watermark"`
	Posts       int       `json:"posts"`
	Subscribers int       `json:"subscribers"`
	ArchiveURI  string    `json:"archive_uri,omitempty"`
	At          time.Time `json:"at"`
}

// Attributes returns the message attributes used for filtering on the topic.
func (e UpdateEvent) Attributes() map[string]string {
	return map[string]string{"host": e.Host, "url": e.URL}
}
