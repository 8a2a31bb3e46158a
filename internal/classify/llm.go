package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	"dropcrate/internal/model"
)

const (
	llmTimeout     = 90 * time.Second
	llmTemperature = 0.1
	toolName       = "classify_dj_tags"
)

// LLM classifies batches of items through a chat-completion tool call.
// A nil *LLM is valid and means "not configured"; ClassifyBatch then
// degrades to the heuristic for every item.
type LLM struct {
	client *openai.Client
	model  string
	log    zerolog.Logger
}

// LLMOption configures an LLM classifier.
type LLMOption func(*LLM)

// WithLLMLogger attaches a logger.
func WithLLMLogger(log zerolog.Logger) LLMOption {
	return func(l *LLM) { l.log = log }
}

// withClient injects a preconfigured client (tests).
func withClient(c *openai.Client) LLMOption {
	return func(l *LLM) { l.client = c }
}

// NewLLM returns an LLM classifier, or nil when no API key is set.
func NewLLM(apiKey, modelName string, opts ...LLMOption) *LLM {
	if apiKey == "" {
		return nil
	}
	l := &LLM{model: modelName, log: zerolog.Nop()}
	for _, o := range opts {
		o(l)
	}
	if l.client == nil {
		l.client = openai.NewClient(apiKey)
	}
	return l
}

// llmResult is one entry of the tool-call payload.
type llmResult struct {
	Index      int      `json:"index"`
	Kind       string   `json:"kind"`
	Genre      string   `json:"genre"`
	Energy     string   `json:"energy"`
	Time       string   `json:"time"`
	Vibe       []string `json:"vibe"`
	Confidence float64  `json:"confidence"`
	Notes      string   `json:"notes"`
}

type llmPayload struct {
	Results []llmResult `json:"results"`
}

// ClassifyBatch classifies all infos in a single request. It never
// fails: on any transport, schema or per-item problem the affected
// items fall back to the heuristic classifier.
func (l *LLM) ClassifyBatch(ctx context.Context, infos []model.ExtractedInfo) []model.Classification {
	out := make([]model.Classification, len(infos))
	if l == nil {
		for i, info := range infos {
			out[i] = Heuristic(info)
		}
		return out
	}

	payload, err := l.call(ctx, infos)
	if err != nil {
		l.log.Warn().Err(err).Msg("llm classification failed, using heuristic")
		for i, info := range infos {
			out[i] = Heuristic(info)
		}
		return out
	}

	byIndex := make(map[int]llmResult, len(payload.Results))
	for _, r := range payload.Results {
		byIndex[r.Index] = r
	}
	for i := range infos {
		r, ok := byIndex[i]
		if !ok {
			out[i] = model.Classification{
				Kind:   model.KindUnknown,
				Source: model.SourceLLM,
				Notes:  "No classification returned.",
			}
			continue
		}
		out[i] = sanitize(r)
	}
	return out
}

func (l *LLM) call(ctx context.Context, infos []model.ExtractedInfo) (llmPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	items := make([]map[string]any, len(infos))
	for i, info := range infos {
		items[i] = map[string]any{
			"index":       i,
			"title":       info.Title,
			"uploader":    info.Uploader,
			"duration":    info.Duration,
			"description": info.Description,
			"categories":  info.Categories,
			"tags":        info.Tags,
		}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return llmPayload{}, err
	}

	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       l.model,
		Temperature: llmTemperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: "You classify media metadata for a DJ library. " +
					"For each item decide the kind (track, set, podcast, video, unknown) " +
					"and, for tracks and sets, assign DJ tags from the allowed values only. " +
					"Use the classify_dj_tags tool exactly once with one result per input index.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: string(itemsJSON),
			},
		},
		Tools: []openai.Tool{{
			Type:     openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{Name: toolName, Parameters: toolSchema()},
		}},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: toolName},
		},
	})
	if err != nil {
		return llmPayload{}, err
	}
	if len(resp.Choices) == 0 || len(resp.Choices[0].Message.ToolCalls) == 0 {
		return llmPayload{}, fmt.Errorf("no tool call in response")
	}

	var payload llmPayload
	args := resp.Choices[0].Message.ToolCalls[0].Function.Arguments
	if err := json.Unmarshal([]byte(args), &payload); err != nil {
		return llmPayload{}, fmt.Errorf("decode tool arguments: %w", err)
	}
	return payload, nil
}

func toolSchema() *jsonschema.Definition {
	return &jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"results": {
				Type: jsonschema.Array,
				Items: &jsonschema.Definition{
					Type: jsonschema.Object,
					Properties: map[string]jsonschema.Definition{
						"index":      {Type: jsonschema.Integer},
						"kind":       {Type: jsonschema.String, Enum: []string{"track", "set", "podcast", "video", "unknown"}},
						"genre":      {Type: jsonschema.String, Enum: Genres},
						"energy":     {Type: jsonschema.String, Enum: Energies},
						"time":       {Type: jsonschema.String, Enum: Times},
						"vibe":       {Type: jsonschema.Array, Items: &jsonschema.Definition{Type: jsonschema.String, Enum: Vibes}},
						"confidence": {Type: jsonschema.Number},
						"notes":      {Type: jsonschema.String},
					},
					Required: []string{"index", "kind", "confidence"},
				},
			},
		},
		Required: []string{"results"},
	}
}

// sanitize clamps a raw tool result onto the closed taxonomy.
func sanitize(r llmResult) model.Classification {
	cls := model.Classification{
		Confidence: clamp01(r.Confidence),
		Notes:      r.Notes,
		Source:     model.SourceLLM,
	}
	switch model.Kind(r.Kind) {
	case model.KindTrack, model.KindSet, model.KindPodcast, model.KindVideo, model.KindUnknown:
		cls.Kind = model.Kind(r.Kind)
	default:
		cls.Kind = model.KindUnknown
	}

	if cls.Kind != model.KindTrack && cls.Kind != model.KindSet {
		return cls
	}

	genre := r.Genre
	if !oneOf(genre, Genres) {
		genre = "Other"
	}
	energy := r.Energy
	if !oneOf(energy, Energies) {
		energy = ""
	}
	timeSlot := r.Time
	if !oneOf(timeSlot, Times) {
		timeSlot = ""
	}
	var vibes []string
	for _, v := range r.Vibe {
		if oneOf(v, Vibes) {
			vibes = append(vibes, v)
		}
	}
	cls.Tags = model.DJTags{
		Genre:  genre,
		Energy: energy,
		Time:   timeSlot,
		Vibe:   strings.Join(vibes, ", "),
	}
	return cls
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
