package parseworker

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/JakeFAU/chanwatch/internal/watch"
)

// encMode uses Core Deterministic Encoding so identical envelopes always
// produce identical bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields so either side can grow the envelope.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("parseworker: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic("parseworker: CBOR decoder initialization failed: " + err.Error())
	}
}

// taskEnvelope is the wire form of a watch.Task.
type taskEnvelope struct {
	ID     uint64 `cbor:"id"`
	Type   string `cbor:"type"`
	Parser string `cbor:"parser"`
	Host   string `cbor:"host"`
	URL    string `cbor:"url"`
	Last   *int64 `cbor:"last,omitempty"`
	Data   []byte `cbor:"data"`
}

// resultEnvelope is the wire form of a watch.ParseResult. Each update is a
// (text, xhtml) pair.
type resultEnvelope struct {
	ID      uint64      `cbor:"id"`
	Last    *int64      `cbor:"last,omitempty"`
	Updates [][2]string `cbor:"updates,omitempty"`
}

func encodeTask(task watch.Task) ([]byte, error) {
	return encMode.Marshal(taskEnvelope{
		ID:     task.ID,
		Type:   string(task.Type),
		Parser: task.ParserKind,
		Host:   task.Host,
		URL:    task.URL,
		Last:   task.Watermark,
		Data:   task.Body,
	})
}

func decodeTask(data []byte) (watch.Task, error) {
	var env taskEnvelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return watch.Task{}, fmt.Errorf("decode task: %w", err)
	}
	return watch.Task{
		ID:         env.ID,
		URL:        env.URL,
		Host:       env.Host,
		ParserKind: env.Parser,
		Type:       watch.ResourceType(env.Type),
		Watermark:  env.Last,
		Body:       env.Data,
	}, nil
}

func encodeResult(id uint64, res watch.ParseResult) ([]byte, error) {
	env := resultEnvelope{ID: id, Last: res.Watermark}
	for _, p := range res.Posts {
		env.Updates = append(env.Updates, [2]string{p.Text, p.Rich})
	}
	return encMode.Marshal(env)
}

func decodeResult(data []byte) (uint64, watch.ParseResult, error) {
	var env resultEnvelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return 0, watch.ParseResult{}, fmt.Errorf("%w: decode result: %v", watch.ErrProtocolViolation, err)
	}
	res := watch.ParseResult{Watermark: env.Last}
	for _, u := range env.Updates {
		res.Posts = append(res.Posts, watch.Post{Text: u[0], Rich: u[1]})
	}
	return env.ID, res, nil
}
