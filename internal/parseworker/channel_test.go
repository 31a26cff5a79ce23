package parseworker

import (
	"context"
	"errors"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/chanwatch/internal/clock"
	"github.com/JakeFAU/chanwatch/internal/framing"
	"github.com/JakeFAU/chanwatch/internal/parser"
	"github.com/JakeFAU/chanwatch/internal/watch"
)

// testParser behaves according to its kind: "echo" bumps the watermark and
// echoes the url, "panic" panics, "exit" kills the process, "fail" errors.
type testParser struct{ kind string }

func (p testParser) Kind() string                           { return p.kind }
func (testParser) Supports(string) bool                     { return false }
func (testParser) ThreadPattern(string) *regexp.Regexp      { return regexp.MustCompile(`\A\z`) }
func (testParser) NotifyUsername(watch.Subscription) string { return "main" }

func (p testParser) Parse(task watch.Task) (watch.ParseResult, error) {
	switch p.kind {
	case "panic":
		panic("boom")
	case "exit":
		os.Exit(3)
	case "fail":
		return watch.ParseResult{}, errors.New("bad markup")
	}
	var last int64
	if task.Watermark != nil {
		last = *task.Watermark
	}
	return watch.ParseResult{
		Watermark: watch.Int64(last + 1),
		Posts:     []watch.Post{{Text: task.URL, Rich: string(task.Body)}},
	}, nil
}

func testRegistry() *parser.Registry {
	return parser.NewRegistry(testParser{"echo"}, testParser{"panic"}, testParser{"exit"}, testParser{"fail"})
}

// TestHelperProcess is the worker child. It only runs when re-executed by
// helperConfig.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	switch os.Getenv("HELPER_MODE") {
	case "serve":
		_ = Serve(context.Background(), testRegistry(), os.Stdin, os.Stdout, os.Stderr)
	case "silent":
		_, _ = io.Copy(io.Discard, os.Stdin)
	case "garbage":
		_ = framing.ReadPackets(os.Stdin, framing.NewDecoder(0), func([]byte) error {
			_, err := os.Stdout.Write([]byte("zz|"))
			return err
		})
	case "unknown":
		_ = framing.ReadPackets(os.Stdin, framing.NewDecoder(0), func(packet []byte) error {
			task, err := decodeTask(packet)
			if err != nil {
				return err
			}
			bogus, _ := encodeResult(task.ID+1000, watch.ParseResult{Watermark: watch.Int64(1)})
			good, _ := encodeResult(task.ID, watch.ParseResult{Watermark: watch.Int64(42)})
			_, _ = os.Stdout.Write(framing.Encode(bogus))
			_, err = os.Stdout.Write(framing.Encode(good))
			return err
		})
	}
}

func helperConfig(mode string) Config {
	return Config{
		Command:        []string{os.Args[0], "-test.run=^TestHelperProcess$"},
		Env:            []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode},
		RestartBackoff: 10 * time.Millisecond,
		SweepInterval:  time.Hour,
	}
}

type outcome struct {
	task watch.Task
	res  watch.ParseResult
	err  error
}

func collector() (watch.ParseCallback, <-chan outcome) {
	ch := make(chan outcome, 16)
	return func(task watch.Task, res watch.ParseResult, err error) {
		ch <- outcome{task: task, res: res, err: err}
	}, ch
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for task outcome")
		return outcome{}
	}
}

type recordingReporter struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingReporter) Report(_ context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
}

func (r *recordingReporter) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.texts, "")
}

func startChannel(t *testing.T, cfg Config, opts ...Option) *Channel {
	t.Helper()
	c := NewChannel(cfg, opts...)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		_ = c.Stop(context.Background())
	})
	return c
}

func echoTask(url string, last *int64) watch.Task {
	return watch.Task{
		URL:        url,
		Host:       "nowere.net",
		ParserKind: "echo",
		Type:       watch.ResourceThread,
		Watermark:  last,
		Body:       []byte("<html/>"),
	}
}

func TestChannelRoundTrip(t *testing.T) {
	c := startChannel(t, helperConfig("serve"))
	done, results := collector()

	for i := range 3 {
		url := "http://nowere.net/b/res/" + string(rune('1'+i)) + ".html"
		require.NoError(t, c.Submit(echoTask(url, watch.Int64(int64(i*10))), done))
	}

	seen := map[uint64]outcome{}
	for range 3 {
		o := await(t, results)
		require.NoError(t, o.err)
		seen[o.task.ID] = o
	}
	require.Len(t, seen, 3)
	for id := uint64(1); id <= 3; id++ {
		o, ok := seen[id]
		require.True(t, ok, "missing request id %d", id)
		require.EqualValues(t, *o.task.Watermark+1, *o.res.Watermark)
		require.Equal(t, []watch.Post{{Text: o.task.URL, Rich: "<html/>"}}, o.res.Posts)
	}
	require.Zero(t, c.Pending())
}

func TestChannelParserFailureAbstainsAndReports(t *testing.T) {
	rep := &recordingReporter{}
	c := startChannel(t, helperConfig("serve"), WithReporter(rep))
	done, results := collector()

	task := echoTask("http://nowere.net/b/res/1.html", nil)
	task.ParserKind = "panic"
	require.NoError(t, c.Submit(task, done))

	o := await(t, results)
	require.NoError(t, o.err)
	require.True(t, o.res.Abstained())

	require.Eventually(t, func() bool {
		out := rep.joined()
		return strings.Contains(out, "PARSING WORKER ERROR") && strings.Contains(out, "TRACEBACK:")
	}, 5*time.Second, 10*time.Millisecond)

	// The worker survives a parser failure.
	require.NoError(t, c.Submit(echoTask("http://nowere.net/b/res/2.html", watch.Int64(5)), done))
	o = await(t, results)
	require.NoError(t, o.err)
	require.EqualValues(t, 6, *o.res.Watermark)
}

func TestChannelExitFailsPendingAndRestarts(t *testing.T) {
	c := startChannel(t, helperConfig("serve"))
	done, results := collector()

	task := echoTask("http://nowere.net/b/res/1.html", nil)
	task.ParserKind = "exit"
	require.NoError(t, c.Submit(task, done))

	o := await(t, results)
	require.ErrorIs(t, o.err, watch.ErrWorkerRestarted)
	require.Zero(t, c.Pending())

	require.Eventually(t, func() bool {
		return c.Submit(echoTask("http://nowere.net/b/res/2.html", watch.Int64(1)), done) == nil
	}, 5*time.Second, 10*time.Millisecond)

	o = await(t, results)
	require.NoError(t, o.err)
	require.EqualValues(t, 2, *o.res.Watermark)
}

func TestChannelCorruptStreamIsFatal(t *testing.T) {
	rep := &recordingReporter{}
	cfg := helperConfig("garbage")
	cfg.RestartBackoff = time.Hour
	c := startChannel(t, cfg, WithReporter(rep))
	done, results := collector()

	require.NoError(t, c.Submit(echoTask("http://nowere.net/b/res/1.html", nil), done))

	o := await(t, results)
	require.ErrorIs(t, o.err, watch.ErrWorkerRestarted)
	require.Contains(t, rep.joined(), "malformed length prefix")
}

func TestChannelUnknownRequestIDIsNotFatal(t *testing.T) {
	c := startChannel(t, helperConfig("unknown"))
	done, results := collector()

	require.NoError(t, c.Submit(echoTask("http://nowere.net/b/res/1.html", nil), done))
	o := await(t, results)
	require.NoError(t, o.err)
	require.EqualValues(t, 42, *o.res.Watermark)

	require.NoError(t, c.Submit(echoTask("http://nowere.net/b/res/2.html", nil), done))
	o = await(t, results)
	require.NoError(t, o.err)
	require.EqualValues(t, 2, o.task.ID)
}

func TestChannelExpiresTasks(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := helperConfig("silent")
	cfg.TaskTimeout = time.Minute
	c := startChannel(t, cfg, WithClock(fake))
	done, results := collector()

	require.NoError(t, c.Submit(echoTask("http://nowere.net/b/res/1.html", nil), done))
	require.Equal(t, 1, c.Pending())

	c.expire(fake.Now().Add(30 * time.Second))
	require.Equal(t, 1, c.Pending())

	c.expire(fake.Now().Add(2 * time.Minute))
	o := await(t, results)
	require.ErrorIs(t, o.err, watch.ErrTaskExpired)
	require.Zero(t, c.Pending())
}

func TestChannelStopFailsPending(t *testing.T) {
	c := startChannel(t, helperConfig("silent"))
	done, results := collector()

	require.NoError(t, c.Submit(echoTask("http://nowere.net/b/res/1.html", nil), done))
	require.NoError(t, c.Stop(context.Background()))

	o := await(t, results)
	require.ErrorIs(t, o.err, watch.ErrWorkerStopped)

	require.ErrorIs(t, c.Submit(echoTask("http://nowere.net/b/res/2.html", nil), done), watch.ErrWorkerStopped)
	require.NoError(t, c.Stop(context.Background()))
}

func TestSubmitBeforeStart(t *testing.T) {
	c := NewChannel(helperConfig("serve"))
	err := c.Submit(echoTask("http://nowere.net/b/res/1.html", nil), func(watch.Task, watch.ParseResult, error) {
		t.Fatal("callback must not run when Submit fails")
	})
	require.ErrorIs(t, err, ErrNotRunning)
}
