package adapters

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/af-corp/relay-gateway/internal/types"
)

// eventParser maps one vendor SSE data payload to zero or more normalized
// chunks. Parsers own their terminal state: the terminal chunk (completed or
// error) appears in the returned slice exactly once.
type eventParser interface {
	parse(data string) []types.Chunk

	// finish is called if the vendor closes the stream without a terminal
	// event having been emitted.
	finish() types.Chunk
}

// sseStream adapts a vendor SSE response body into a pull-driven chunk
// sequence. One Recv loop iteration suspends on the next network event; there
// is no read-ahead buffering beyond the scanner's.
type sseStream struct {
	cancel  context.CancelFunc
	body    io.ReadCloser
	scanner *bufio.Scanner
	parser  eventParser

	mu      sync.Mutex
	closed  bool
	pending []types.Chunk
	done    bool
}

func newSSEStream(cancel context.CancelFunc, resp *http.Response, parser eventParser) *sseStream {
	scanner := bufio.NewScanner(resp.Body)
	// Large chunks; same sizing the gateway uses for SSE relays.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{
		cancel:  cancel,
		body:    resp.Body,
		scanner: scanner,
		parser:  parser,
	}
}

func (s *sseStream) Recv() (types.Chunk, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.Chunk{}, types.ErrStreamClosed
	}
	if len(s.pending) > 0 {
		c := s.popLocked()
		s.mu.Unlock()
		return c, nil
	}
	if s.done {
		s.mu.Unlock()
		return types.Chunk{}, io.EOF
	}
	s.mu.Unlock()

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "" {
			continue
		}

		chunks := s.parser.parse(data)
		if len(chunks) == 0 {
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return types.Chunk{}, types.ErrStreamClosed
		}
		s.pending = append(s.pending, chunks...)
		c := s.popLocked()
		s.mu.Unlock()
		return c, nil
	}

	// Vendor closed the connection.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.Chunk{}, types.ErrStreamClosed
	}
	if s.done {
		return types.Chunk{}, io.EOF
	}
	s.done = true

	if err := s.scanner.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return types.ErrorChunk(types.ErrTimeout, ""), nil
		}
		return types.ErrorChunk(types.ErrVendorTransportError, "connection dropped mid-stream"), nil
	}
	// EOF without a terminal event: let the parser settle the stream.
	return s.parser.finish(), nil
}

// popLocked pops the next pending chunk, recording terminal delivery.
func (s *sseStream) popLocked() types.Chunk {
	c := s.pending[0]
	s.pending = s.pending[1:]
	if c.Terminal() {
		s.done = true
		s.pending = nil
	}
	return c
}

func (s *sseStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	return s.body.Close()
}

// statusErrorChunk maps a non-200 vendor HTTP status to the error taxonomy.
func statusErrorChunk(status int) types.Chunk {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.ErrorChunk(types.ErrVendorAuthError, "")
	case status == http.StatusTooManyRequests:
		return types.ErrorChunk(types.ErrVendorRateLimited, "")
	default:
		return types.ErrorChunk(types.ErrVendorTransportError, "")
	}
}

// transportErrorChunk maps a request-send failure to the error taxonomy.
func transportErrorChunk(err error) types.Chunk {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrorChunk(types.ErrTimeout, "")
	}
	return types.ErrorChunk(types.ErrVendorTransportError, "")
}
