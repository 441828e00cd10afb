package llm

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"edith/internal/domain"
)

// Gemini's alt=sse stream is a sequence of "data:" lines, one JSON chunk
// each, with no terminator sentinel: the final chunk carries a
// finishReason and then the server closes the body.
//
// parseSSEStream reads that framing and converts each data payload into
// a StreamDelta via the provider-specific parseLine function. A final
// Done delta is always emitted, whether the provider flagged completion
// or the body simply ended, so consumers have a single end-of-stream
// signal. The channel closes after that; ctx cancellation aborts early.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) (*domain.StreamDelta, error)) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			data, ok := ssePayload(scanner.Bytes())
			if !ok {
				continue
			}

			delta, err := parseLine(data)
			if err != nil || delta == nil {
				// Unparseable chunks are dropped rather than killing
				// the stream mid-answer.
				continue
			}

			select {
			case ch <- *delta:
			case <-ctx.Done():
				return
			}

			if delta.Done {
				return
			}
		}

		// EOF or a transport error: either way the stream is over.
		select {
		case ch <- domain.StreamDelta{Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch
}

// ssePayload extracts the payload of a "data:" line. Blank lines,
// comments, and other SSE fields carry no chunk.
func ssePayload(line []byte) ([]byte, bool) {
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false
	}
	return bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" ")), true
}
