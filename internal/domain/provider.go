package domain

import "context"

// Assistant is the generative-AI backend used by the processor.
type Assistant interface {
	GenerateReply(ctx context.Context, text string, history []ChatTurn) (*Reply, error)
	DescribeImage(ctx context.Context, image []byte, contentType, prompt string) (*Reply, error)
	TranscribeAudio(ctx context.Context, audio []byte, filename string) (string, error)
}

type ChatTurn struct {
	Role    string `json:"role"` // user | assistant
	Content string `json:"content"`
}

type Reply struct {
	Content string
	Model   string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
