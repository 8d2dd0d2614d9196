package topic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
	"github.com/pkoukk/tiktoken-go"
)

const analysisSystemPrompt = `You are an AI assistant for a meeting facilitator.
Analyze the meeting transcript and track the flow of topics.

Analysis guidelines:
- Main topic: the meeting's overall subject (%s)
- Current topic: what the most recent statements are discussing
- Drift score: 0-100
  - 0-30: discussion is on the main topic
  - 30-50: loosely related but acceptable
  - 50-70: clearly off topic
  - 70-100: completely unrelated

Important:
- Do not judge small talk or rapport-building too harshly
- Provide driftReason and suggestedAction only when driftScore is 50 or higher
- suggestedAction must be a concrete, polite suggestion

Respond in JSON:
{
  "mainTopic": "the meeting's subject (set on first analysis only, otherwise null)",
  "currentTopic": "the topic currently under discussion",
  "driftScore": 0-100,
  "driftReason": "why the discussion drifted (only when driftScore >= 50)",
  "suggestedAction": "a facilitator suggestion (only when driftScore >= 50)"
}`

const compressionSystemPrompt = `You summarize meeting conversations.
Condense the statements below into a concise summary.

Guidelines:
- Preserve the main topics and the flow of discussion
- Include key decisions and points of agreement
- Reflect differences between speakers' positions
- Compress to roughly 200-300 words
%s`

var analysisSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"properties": map[string]any{
		"mainTopic":       map[string]any{"type": []string{"string", "null"}},
		"currentTopic":    map[string]any{"type": "string"},
		"driftScore":      map[string]any{"type": "number"},
		"driftReason":     map[string]any{"type": []string{"string", "null"}},
		"suggestedAction": map[string]any{"type": []string{"string", "null"}},
	},
	"required": []string{"mainTopic", "currentTopic", "driftScore", "driftReason", "suggestedAction"},
}

// OpenAIEngine implements Engine against the OpenAI chat completions API.
// Analysis uses a JSON-schema response format; compression runs on a cheaper
// model since it carries no structured output.
type OpenAIEngine struct {
	client           openai.Client
	analysisModel    string
	compressionModel string
	tokenizer        *tiktoken.Tiktoken
}

// NewOpenAIEngine creates the engine. baseURL is optional and overrides the
// API endpoint for OpenAI-compatible backends.
func NewOpenAIEngine(apiKey, baseURL, analysisModel, compressionModel string) (*OpenAIEngine, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	// Tokenizer is only a fallback for estimating usage when the API omits
	// it; unknown models fall back to cl100k_base.
	enc, err := tiktoken.EncodingForModel(analysisModel)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}

	return &OpenAIEngine{
		client:           openai.NewClient(opts...),
		analysisModel:    analysisModel,
		compressionModel: compressionModel,
		tokenizer:        enc,
	}, nil
}

// Analyze classifies the current discussion against the session's main topic.
func (e *OpenAIEngine) Analyze(ctx context.Context, req AnalyzeRequest) (*Analysis, error) {
	mainTopicHint := "already detected, keep it"
	if req.IsFirstAnalysis {
		mainTopicHint = "detect it in this analysis"
	}
	system := fmt.Sprintf(analysisSystemPrompt, mainTopicHint)
	user := buildAnalysisPrompt(req)

	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(e.analysisModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0.3),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "topic_analysis",
					Schema: analysisSchema,
					Strict: openai.Bool(true),
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("topic analysis call: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("topic analysis call: empty response")
	}

	var parsed struct {
		MainTopic       *string `json:"mainTopic"`
		CurrentTopic    string  `json:"currentTopic"`
		DriftScore      float64 `json:"driftScore"`
		DriftReason     *string `json:"driftReason"`
		SuggestedAction *string `json:"suggestedAction"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return nil, fmt.Errorf("topic analysis decode: %w", err)
	}

	out := &Analysis{
		CurrentTopic: parsed.CurrentTopic,
		DriftScore:   parsed.DriftScore,
		Usage:        e.usage(e.analysisModel, resp, system+user),
	}
	if parsed.MainTopic != nil {
		out.MainTopic = *parsed.MainTopic
	}
	if parsed.DriftReason != nil {
		out.DriftReason = *parsed.DriftReason
	}
	if parsed.SuggestedAction != nil {
		out.SuggestedAction = *parsed.SuggestedAction
	}
	return out, nil
}

// Compress folds old segments into a running conversation summary.
func (e *OpenAIEngine) Compress(ctx context.Context, req CompressRequest) (*Compression, error) {
	merge := ""
	if req.ExistingSummary != "" {
		merge = "\nExisting summary:\n" + req.ExistingSummary + "\n\nIntegrate the new statements into an updated summary."
	}
	system := fmt.Sprintf(compressionSystemPrompt, merge)
	user := "Statements:\n" + formatSegments(req.Segments) + "\n\nSummarize the above."

	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(e.compressionModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0.3),
		MaxTokens:   openai.Int(500),
	})
	if err != nil {
		return nil, fmt.Errorf("compression call: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("compression call: empty response")
	}

	return &Compression{
		Summary: resp.Choices[0].Message.Content,
		Usage:   e.usage(e.compressionModel, resp, system+user),
	}, nil
}

// usage prefers the API-reported token counts and estimates with the
// tokenizer when the response omits them.
func (e *OpenAIEngine) usage(model string, resp *openai.ChatCompletion, input string) Usage {
	u := Usage{
		Model:        model,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		u.InputTokens = len(e.tokenizer.Encode(input, nil, nil))
		if len(resp.Choices) > 0 {
			u.OutputTokens = len(e.tokenizer.Encode(resp.Choices[0].Message.Content, nil, nil))
		}
	}
	return u
}

func buildAnalysisPrompt(req AnalyzeRequest) string {
	var b strings.Builder

	main := req.MainTopic
	if main == "" {
		main = "not yet detected"
	}
	fmt.Fprintf(&b, "Main topic: %s\n", main)

	b.WriteString("Agenda:\n")
	if len(req.AgendaItems) == 0 {
		b.WriteString("none\n")
	}
	for i, item := range req.AgendaItems {
		fmt.Fprintf(&b, "%d. %s\n", i+1, item)
	}

	flow := "none"
	if len(req.PreviousTopics) > 0 {
		recent := req.PreviousTopics
		if len(recent) > 5 {
			recent = recent[len(recent)-5:]
		}
		flow = strings.Join(recent, " -> ")
	}
	fmt.Fprintf(&b, "Recent topic flow: %s\n", flow)

	if req.ConversationSummary != "" {
		fmt.Fprintf(&b, "Summary of the conversation so far:\n%s\n\n", req.ConversationSummary)
	}

	b.WriteString("Recent statements:\n")
	b.WriteString(formatSegments(req.RecentSegments))
	b.WriteString("\n\nRespond with the topic analysis for this meeting in JSON.")
	return b.String()
}

func formatSegments(segments []SegmentText) string {
	lines := make([]string, len(segments))
	for i, s := range segments {
		lines[i] = s.Speaker + ": " + s.Text
	}
	return strings.Join(lines, "\n")
}
