package parseworker

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/JakeFAU/chanwatch/internal/framing"
	"github.com/JakeFAU/chanwatch/internal/parser"
	"github.com/JakeFAU/chanwatch/internal/watch"
)

// Serve runs the child side of the worker protocol: it reads framed task
// envelopes from in, parses each with the registry and writes one framed
// result envelope per task to out. Parser failures are written to errOut and
// answered with an abstaining result carrying the task id. Serve returns nil
// when in reaches EOF.
func Serve(ctx context.Context, reg *parser.Registry, in io.Reader, out, errOut io.Writer) error {
	dec := framing.NewDecoder(framing.DefaultMaxPacket)
	return framing.ReadPackets(in, dec, func(packet []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, err := decodeTask(packet)
		if err != nil {
			return err
		}
		res := runTask(reg, task, errOut)
		payload, err := encodeResult(task.ID, res)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		if _, err := out.Write(framing.Encode(payload)); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
		return nil
	})
}

func runTask(reg *parser.Registry, task watch.Task, errOut io.Writer) (res watch.ParseResult) {
	defer func() {
		if r := recover(); r != nil {
			writeFailure(errOut, task, fmt.Sprintf("panic: %v\n%s", r, debug.Stack()))
			res = watch.ParseResult{}
		}
	}()

	p, ok := reg.Lookup(task.ParserKind)
	if !ok {
		writeFailure(errOut, task, fmt.Sprintf("unknown parser %q", task.ParserKind))
		return watch.ParseResult{}
	}
	res, err := p.Parse(task)
	if err != nil {
		writeFailure(errOut, task, err.Error())
		return watch.ParseResult{}
	}
	return res
}

func writeFailure(w io.Writer, task watch.Task, failure string) {
	last := "none"
	if task.Watermark != nil {
		last = fmt.Sprint(*task.Watermark)
	}
	_, _ = fmt.Fprintf(w, "TASK:\nid=%d parser=%s type=%s url=%s last=%s\n\nTRACEBACK:\n%s\n",
		task.ID, task.ParserKind, task.Type, task.URL, last, failure)
}
