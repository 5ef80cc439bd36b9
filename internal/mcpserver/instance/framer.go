package instance

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrSinkClosed is returned by Framer.Write once the underlying writer is gone.
var ErrSinkClosed = errors.New("sink closed")

// maxLineBytes bounds a single frame; a child emitting a longer line is
// misbehaving and its output is dropped rather than grown without limit.
const maxLineBytes = 8 * 1024 * 1024

// Framer converts a byte stream to and from newline-delimited JSON values.
// Reads are exposed as a channel of parsed values; writes are serialized
// against a single mutex so concurrent callers never interleave lines.
type Framer struct {
	writeMu sync.Mutex
	w       io.Writer
	closed  bool
}

// NewFramer wraps w for writing. Reading is done separately via ReadLoop
// since the read side of an Instance needs its own goroutine and reader.
func NewFramer(w io.Writer) *Framer {
	return &Framer{w: w}
}

// Write serializes value to a single newline-terminated JSON line.
func (f *Framer) Write(value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.closed {
		return ErrSinkClosed
	}

	if _, err := f.w.Write(data); err != nil {
		f.closed = true
		return ErrSinkClosed
	}
	if _, err := f.w.Write([]byte{'\n'}); err != nil {
		f.closed = true
		return ErrSinkClosed
	}
	return nil
}

// MarkClosed flags the sink as gone so subsequent writes fail fast.
func (f *Framer) MarkClosed() {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.closed = true
}

// errLineTooLong signals that readLine gave up on the current line after it
// grew past maxLineBytes. Unlike a real read error, it does not mean the
// stream is exhausted: the line's remaining bytes up to the next newline are
// still consumed, so the next readLine call resumes cleanly at the line
// after it.
var errLineTooLong = errors.New("line too long")

// readLine reads one newline-delimited line from r, capping how much of an
// oversized line it buffers. bufio.Scanner can't do this: once a single
// token exceeds its buffer, Scan returns false permanently and the caller
// has no way to keep reading. Using ReadSlice directly lets an oversized
// line be drained and discarded while leaving the reader usable for the
// next line.
func readLine(r *bufio.Reader, maxBytes int) ([]byte, error) {
	var buf []byte
	tooLong := false

	for {
		chunk, err := r.ReadSlice('\n')
		if len(chunk) > 0 && !tooLong {
			if len(buf)+len(chunk) > maxBytes {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}

		// r returned a real error (commonly io.EOF) before a newline turned
		// up; any bytes already buffered are the last, unterminated line.
		if tooLong {
			return nil, errLineTooLong
		}
		return buf, err
	}

	if tooLong {
		return nil, errLineTooLong
	}
	return buf[:len(buf)-1], nil // drop the terminating newline
}

// ReadLoop reads r line by line, parses each candidate line as JSON, and
// delivers it on values. Non-JSON lines are dropped with a warning (children
// may emit ordinary log lines on stdout). Lines longer than maxLineBytes are
// discarded but the loop keeps running. The loop returns (closing the values
// channel) when r is exhausted or returns an error.
func ReadLoop(r io.Reader, values chan<- json.RawMessage) {
	defer close(values)

	reader := bufio.NewReaderSize(r, 64*1024)

	for {
		raw, err := readLine(reader, maxLineBytes)

		line := strings.TrimSpace(string(raw))
		if line != "" {
			parsed := json.RawMessage(append([]byte(nil), line...))
			if json.Valid(parsed) {
				values <- parsed
			} else {
				log.Debug().Str("line", truncate(line, 200)).Msg("dropping non-JSON child output line")
			}
		}

		if err != nil {
			if err == errLineTooLong {
				log.Warn().Int("max_bytes", maxLineBytes).Msg("dropping oversized child output line")
				continue
			}
			return
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
