package types

type ChunkKind string

const (
	ChunkContent   ChunkKind = "content"
	ChunkResumed   ChunkKind = "resumed"
	ChunkCompleted ChunkKind = "completed"
	ChunkError     ChunkKind = "error"
)

// Chunk is the single normalized unit every vendor stream is reduced to.
// Exactly one terminal chunk (completed or error) is emitted per stream;
// an error chunk is always terminal.
type Chunk struct {
	Kind       ChunkKind `json:"type"`
	Content    string    `json:"content,omitempty"`
	MessageID  string    `json:"messageId,omitempty"`
	TokenCount int       `json:"tokenCount,omitempty"`

	// Resumed marker fields.
	ResumedFromChunk int `json:"resumedFromChunk,omitempty"`

	// Completion fields.
	TotalTokens    int     `json:"totalTokens,omitempty"`
	ProcessingTime float64 `json:"processingTime,omitempty"`

	// Error fields.
	Error    string    `json:"error,omitempty"`
	Code     ErrorKind `json:"code,omitempty"`
	Finished bool      `json:"finished,omitempty"`
}

// Terminal reports whether no further chunks may follow.
func (c Chunk) Terminal() bool {
	return c.Kind == ChunkCompleted || c.Kind == ChunkError
}

func ContentChunk(content string, tokens int) Chunk {
	return Chunk{Kind: ChunkContent, Content: content, TokenCount: tokens}
}

func ResumedChunk(fromChunk int) Chunk {
	return Chunk{Kind: ChunkResumed, ResumedFromChunk: fromChunk}
}

func CompletedChunk(totalTokens int, processingSeconds float64) Chunk {
	return Chunk{Kind: ChunkCompleted, TotalTokens: totalTokens, ProcessingTime: processingSeconds, Finished: true}
}

// ApproxTokens estimates a token count for vendors that do not report usage.
// The divisor is applied uniformly across adapters so accounting stays
// comparable between vendors.
func ApproxTokens(content string) int {
	n := len(content) / 4
	if n == 0 && content != "" {
		n = 1
	}
	return n
}
