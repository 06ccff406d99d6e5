package api

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
)

// SSEWriter turns each Write into one Server-Sent Event of a fixed
// type and flushes it straight out.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	event   string
	mu      *sync.Mutex
}

// NewSSEStream returns linked stdout and stderr writers over w. They
// share one lock because the executing process pumps the two pipes
// from separate goroutines. Returns nils when w cannot flush; the
// streaming handler reports that before any event goes out.
func NewSSEStream(w http.ResponseWriter) (stdout, stderr *SSEWriter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, nil
	}
	mu := &sync.Mutex{}
	return &SSEWriter{w: w, flusher: flusher, event: "stdout", mu: mu},
		&SSEWriter{w: w, flusher: flusher, event: "stderr", mu: mu}
}

// Write frames p as one event. Each line of the payload is carried on
// its own "data:" line: a newline in command output must not terminate
// the event, or the output could forge events of its own. The frame is
// built up front and written under the shared lock so stdout and
// stderr events cannot interleave mid-frame.
func (s *SSEWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\n", s.event)
	for _, line := range bytes.Split(p, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}

// writeEvent frames a single-line control event. Only called once the
// stream writers have gone quiet.
func writeEvent(w http.ResponseWriter, event, data string) {
	if flusher, ok := w.(http.Flusher); ok {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}
}

func sendSSEDone(w http.ResponseWriter, data string) { writeEvent(w, "done", data) }

func sendSSEError(w http.ResponseWriter, msg string) { writeEvent(w, "error", msg) }
