package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"whatsbot/internal/domain"
)

// OpenAI implements domain.Assistant on the OpenAI chat, vision and
// transcription endpoints.
type OpenAI struct {
	client       openai.Client
	model        string
	visionModel  string
	whisperModel string
	maxTokens    int
	visionTokens int
	temperature  float64
	systemPrompt string
	logger       *slog.Logger

	// Per-model request shape learned from "unsupported parameter" errors.
	mu     sync.Mutex
	shapes map[string]requestShape
}

type OpenAIConfig struct {
	APIKey          string
	APIBase         string
	Model           string
	VisionModel     string
	WhisperModel    string
	MaxTokens       int
	VisionMaxTokens int
	Temperature     float64
	SystemPrompt    string
	Timeout         time.Duration
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

type requestShape struct {
	legacyMaxTokens bool // send max_tokens instead of max_completion_tokens
	noTemperature   bool
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if cfg.WhisperModel == "" {
		cfg.WhisperModel = "whisper-1"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.VisionMaxTokens <= 0 {
		cfg.VisionMaxTokens = 500
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(cfg.Timeout, 0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(cfg.HTTPClient),
		option.WithMaxRetries(0),
	}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &OpenAI{
		client:       openai.NewClient(opts...),
		model:        cfg.Model,
		visionModel:  cfg.VisionModel,
		whisperModel: cfg.WhisperModel,
		maxTokens:    cfg.MaxTokens,
		visionTokens: cfg.VisionMaxTokens,
		temperature:  cfg.Temperature,
		systemPrompt: cfg.SystemPrompt,
		logger:       cfg.Logger,
		shapes:       make(map[string]requestShape),
	}
}

func (o *OpenAI) Model() string { return o.model }

// Ping checks that the API is reachable with the configured key.
func (o *OpenAI) Ping(ctx context.Context) error {
	if _, err := o.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai not reachable: %w", err)
	}
	return nil
}

// GenerateReply answers text given the prior turns of the conversation,
// oldest first. The system prompt leads and text is the final user turn.
func (o *OpenAI) GenerateReply(ctx context.Context, text string, history []domain.ChatTurn) (*domain.Reply, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if o.systemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(o.systemPrompt))
	}
	for _, turn := range history {
		switch turn.Role {
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(turn.Content))
		default:
			msgs = append(msgs, openai.UserMessage(turn.Content))
		}
	}
	msgs = append(msgs, openai.UserMessage(text))

	reply, err := o.complete(ctx, o.model, msgs, o.maxTokens, true)
	if err != nil {
		return nil, err
	}
	o.logger.Info("ai response generated",
		"model", reply.Model,
		"prompt_tokens", reply.Usage.PromptTokens,
		"completion_tokens", reply.Usage.CompletionTokens)
	return reply, nil
}

// DescribeImage sends image inline as a data URL together with prompt.
func (o *OpenAI) DescribeImage(ctx context.Context, image []byte, contentType, prompt string) (*domain.Reply, error) {
	if contentType == "" {
		contentType = "image/jpeg"
	}
	dataURL := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(image)

	msgs := []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(prompt),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
		}),
	}

	reply, err := o.complete(ctx, o.visionModel, msgs, o.visionTokens, false)
	if err != nil {
		return nil, err
	}
	o.logger.Info("image analysis completed",
		"model", reply.Model,
		"prompt_tokens", reply.Usage.PromptTokens,
		"completion_tokens", reply.Usage.CompletionTokens)
	return reply, nil
}

// TranscribeAudio converts speech to text.
func (o *OpenAI) TranscribeAudio(ctx context.Context, audio []byte, filename string) (string, error) {
	if filename == "" {
		filename = "audio.ogg"
	}
	resp, err := o.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModel(o.whisperModel),
		File:  openai.File(bytes.NewReader(audio), filename, "application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("%w: transcription: %v", domain.ErrAIInvocation, err)
	}
	o.logger.Info("audio transcription completed", "model", o.whisperModel, "text_length", len(resp.Text))
	return resp.Text, nil
}

func (o *OpenAI) complete(ctx context.Context, model string, msgs []openai.ChatCompletionMessageParamUnion, maxTokens int, withTemperature bool) (*domain.Reply, error) {
	shape := o.shapeFor(model)

	resp, err := o.client.Chat.Completions.New(ctx, o.buildParams(model, msgs, maxTokens, withTemperature, shape))
	if err != nil {
		next, ok := adjustShape(shape, err)
		if !ok {
			return nil, fmt.Errorf("%w: %v", domain.ErrAIInvocation, err)
		}
		o.logger.Warn("model rejected request parameter, retrying with alternate shape",
			"model", model,
			"legacy_max_tokens", next.legacyMaxTokens,
			"no_temperature", next.noTemperature)
		o.rememberShape(model, next)

		resp, err = o.client.Chat.Completions.New(ctx, o.buildParams(model, msgs, maxTokens, withTemperature, next))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrAIInvocation, err)
		}
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", domain.ErrAIInvocation)
	}

	usedModel := resp.Model
	if usedModel == "" {
		usedModel = model
	}
	return &domain.Reply{
		Content: resp.Choices[0].Message.Content,
		Model:   usedModel,
		Usage: domain.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (o *OpenAI) buildParams(model string, msgs []openai.ChatCompletionMessageParamUnion, maxTokens int, withTemperature bool, shape requestShape) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	}
	if shape.legacyMaxTokens {
		params.MaxTokens = openai.Int(int64(maxTokens))
	} else {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	if withTemperature && !shape.noTemperature {
		params.Temperature = openai.Float(o.temperature)
	}
	return params
}

func (o *OpenAI) shapeFor(model string) requestShape {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shapes[model]
}

func (o *OpenAI) rememberShape(model string, shape requestShape) {
	o.mu.Lock()
	o.shapes[model] = shape
	o.mu.Unlock()
}

// adjustShape inspects a rejected request and returns the shape to retry
// with. ok is false when err is not a parameter incompatibility.
func adjustShape(shape requestShape, err error) (requestShape, bool) {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		return shape, false
	}
	msg := strings.ToLower(strings.Join([]string{err.Error(), apiErr.Message, apiErr.Param, apiErr.Code}, " "))
	if !strings.Contains(msg, "unsupported") && !strings.Contains(msg, "unrecognized") && !strings.Contains(msg, "not supported") {
		return shape, false
	}

	next := shape
	switch {
	case strings.Contains(msg, "max_completion_tokens") && !shape.legacyMaxTokens:
		next.legacyMaxTokens = true
	case strings.Contains(msg, "max_tokens") && shape.legacyMaxTokens:
		next.legacyMaxTokens = false
	case strings.Contains(msg, "temperature") && !shape.noTemperature:
		next.noTemperature = true
	default:
		return shape, false
	}
	return next, true
}
