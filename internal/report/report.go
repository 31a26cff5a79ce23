// Package report ships operator diagnostics to the log and, when configured,
// to an admin JID over chat.
package report

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/chanwatch/internal/watch"
)

// Config names the chat endpoints used for reports.
type Config struct {
	// To receives reports. Empty disables chat delivery.
	To string
	// From is the full JID reports are sent from.
	From string
}

// Reporter logs every report and forwards it to Config.To.
type Reporter struct {
	cfg       Config
	messenger watch.Messenger
	logger    *zap.Logger
}

// New creates a Reporter. messenger may be nil.
func New(cfg Config, messenger watch.Messenger, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{cfg: cfg, messenger: messenger, logger: logger.Named("report")}
}

// Report implements watch.Reporter. Delivery failures are logged only.
func (r *Reporter) Report(ctx context.Context, text string) {
	r.logger.Error("diagnostic report", zap.String("report", text))
	if r.messenger == nil || r.cfg.To == "" {
		return
	}
	msg := watch.Message{To: r.cfg.To, From: r.cfg.From, Body: text}
	if err := r.messenger.SendMessage(ctx, msg); err != nil {
		r.logger.Warn("deliver report failed", zap.String("to", r.cfg.To), zap.Error(err))
	}
}

var _ watch.Reporter = (*Reporter)(nil)
