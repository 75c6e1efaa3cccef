package types

import (
	"errors"
	"io"
)

// Stream yields normalized chunks until io.EOF. Implementations return the
// terminal chunk first, then io.EOF on the next Recv. Close cancels the
// underlying vendor transport and is safe to call at any time.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

var ErrStreamClosed = errors.New("stream closed")

// Completion is the buffered equivalent of a drained stream.
type Completion struct {
	Content        string
	TotalTokens    int
	ProcessingTime float64
	Err            *Chunk // set when the stream terminated with an error chunk
}

// Drain consumes a stream to completion, concatenating content chunks.
// Streaming is a refinement of the buffered response: the concatenation
// equals what a non-streaming call would return.
func Drain(s Stream) (Completion, error) {
	defer s.Close()

	var c Completion
	for {
		chunk, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return c, nil
			}
			return c, err
		}
		switch chunk.Kind {
		case ChunkContent:
			c.Content += chunk.Content
		case ChunkCompleted:
			c.TotalTokens = chunk.TotalTokens
			c.ProcessingTime = chunk.ProcessingTime
		case ChunkError:
			ec := chunk
			c.Err = &ec
		}
	}
}

// chunkSlice is a fixed, pre-computed stream. Adapters and the router use it
// to satisfy the stream contract for failures that happen before any vendor
// call is made.
type chunkSlice struct {
	chunks []Chunk
	pos    int
}

// SingleChunkStream wraps one terminal chunk in a Stream.
func SingleChunkStream(c Chunk) Stream {
	return &chunkSlice{chunks: []Chunk{c}}
}

// SliceStream wraps a fixed chunk sequence in a Stream.
func SliceStream(chunks ...Chunk) Stream {
	return &chunkSlice{chunks: chunks}
}

func (s *chunkSlice) Recv() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *chunkSlice) Close() error { return nil }
