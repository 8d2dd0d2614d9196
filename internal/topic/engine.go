package topic

import "context"

// SegmentText is the analysis-facing view of one utterance.
type SegmentText struct {
	Speaker   string  `json:"speaker"`
	Text      string  `json:"text"`
	StartTime float64 `json:"startTime"`
}

// Usage is the token count reported (or estimated) for one engine call.
type Usage struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
}

// AnalyzeRequest carries everything the topic engine sees for one analysis.
type AnalyzeRequest struct {
	RecentSegments      []SegmentText
	PreviousTopics      []string
	MainTopic           string
	AgendaItems         []string
	IsFirstAnalysis     bool
	ConversationSummary string
}

// Analysis is the engine's classification of the current discussion. Engine
// output is untrusted: the scheduler clamps DriftScore and discards fields
// the session policy does not accept.
type Analysis struct {
	MainTopic       string
	CurrentTopic    string
	DriftScore      float64
	DriftReason     string
	SuggestedAction string
	Usage           Usage
}

// CompressRequest asks the engine to fold old segments into a running summary.
type CompressRequest struct {
	Segments        []SegmentText
	ExistingSummary string
}

// Compression is the engine's merged summary.
type Compression struct {
	Summary string
	Usage   Usage
}

// Engine is the topic/summarization call-out. Implementations are expected to
// have multi-second latency and real failure modes; the scheduler treats every
// error as retryable by leaving session state untouched.
type Engine interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (*Analysis, error)
	Compress(ctx context.Context, req CompressRequest) (*Compression, error)
}
