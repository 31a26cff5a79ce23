package report

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/chanwatch/internal/watch"
	"github.com/JakeFAU/chanwatch/internal/watch/watchtest"
)

func TestReportLogsAndSends(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.ErrorLevel)
	msgr := &watchtest.Messenger{}
	r := New(Config{To: "admin@x", From: "main@chan.example/chanwatch"}, msgr, zap.New(core))

	r.Report(context.Background(), "PARSING WORKER ERROR:\n\nboom")

	require.Equal(t, []watch.Message{{
		To:   "admin@x",
		From: "main@chan.example/chanwatch",
		Body: "PARSING WORKER ERROR:\n\nboom",
	}}, msgr.Messages())
	entries := logs.FilterMessage("diagnostic report").All()
	require.Len(t, entries, 1)
	require.Equal(t, "PARSING WORKER ERROR:\n\nboom", entries[0].ContextMap()["report"])
}

func TestReportWithoutRecipientOnlyLogs(t *testing.T) {
	t.Parallel()
	msgr := &watchtest.Messenger{}
	New(Config{}, msgr, nil).Report(context.Background(), "x")
	require.Empty(t, msgr.Messages())

	// A failing transport must not panic or block.
	msgr.Err = errors.New("not connected")
	New(Config{To: "admin@x"}, msgr, nil).Report(context.Background(), "x")
	New(Config{To: "admin@x"}, nil, nil).Report(context.Background(), "x")
}
