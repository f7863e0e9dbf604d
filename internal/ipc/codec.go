package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Lines beyond this are a protocol violation, not a big payload.
const maxLineBytes = 1 << 20

// Writer emits one JSON object per line. It is safe for concurrent use; a
// whole envelope is written under the lock so lines never interleave. A
// failed write means the peer end of the pipe is gone and the error is
// returned for the caller's supervision logic to act on.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Write(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("op=ipc.write: %s: %w", m.Kind, err)
	}
	b = append(b, '\n')
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(b); err != nil {
		return fmt.Errorf("op=ipc.write: %s: %w", m.Kind, err)
	}
	return nil
}

// Send wraps payload under kind and writes it in one call.
func (w *Writer) Send(kind Kind, payload any) error {
	m, err := New(kind, payload)
	if err != nil {
		return err
	}
	return w.Write(m)
}

// Reader yields envelopes from a JSON-lines stream. Lines that are not JSON
// envelopes, such as stray prints on a child's stdout, are skipped so they
// cannot wedge the protocol. Filtering unknown kinds is the receiver's
// business, not the reader's.
type Reader struct {
	sc *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &Reader{sc: sc}
}

// Next returns the next envelope, or io.EOF once the stream is closed.
func (r *Reader) Next() (Message, error) {
	for r.sc.Scan() {
		line := bytes.TrimSpace(r.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil || m.Kind == "" {
			continue
		}
		return m, nil
	}
	if err := r.sc.Err(); err != nil {
		return Message{}, fmt.Errorf("op=ipc.read: %w", err)
	}
	return Message{}, io.EOF
}
