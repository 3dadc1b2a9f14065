package completion

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"aichatserver/internal/chat"
	"aichatserver/pkg/config"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// Error is returned for every failure mode of the bridge: transport errors,
// timeouts, non-2xx statuses, malformed bodies, empty choices. Callers must
// not persist anything when they receive it.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("completion failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("completion failed: %s", e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Service struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

func NewService(cfg *config.Config) *Service {
	clientConfig := openai.DefaultConfig(cfg.CompletionAPIKey)
	if cfg.CompletionBaseURL != "" {
		clientConfig.BaseURL = cfg.CompletionBaseURL
	}
	// The timeout bounds the whole request; a hung upstream surfaces as an
	// error instead of stalling the connection worker indefinitely.
	clientConfig.HTTPClient = &http.Client{Timeout: cfg.CompletionTimeout}

	return &Service{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        cfg.CompletionModel,
		systemPrompt: cfg.SystemPrompt,
	}
}

// Complete replays the session history to the completion endpoint with the
// new user message appended as the final turn and returns the first choice's
// content, trimmed. The endpoint is treated as stateless: all conversational
// memory arrives through the history argument on every call, and the bridge
// keeps none of its own. No retries; retry policy belongs to the caller.
func (s *Service) Complete(ctx context.Context, history []chat.Message, userMessage string) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)

	if s.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: s.systemPrompt,
		})
	}

	for _, item := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    item.Role,
			Content: item.Content,
		})
	}

	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userMessage,
	})

	chatReq := openai.ChatCompletionRequest{
		Model:       s.model,
		Messages:    messages,
		Temperature: 0.7,
	}

	resp, err := s.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		logrus.Errorf("Completion request failed: %v", err)
		return "", &Error{Reason: "completion request failed", Err: err}
	}

	if len(resp.Choices) == 0 {
		return "", &Error{Reason: "completion response contained no choices"}
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", &Error{Reason: "completion response contained no content"}
	}

	return reply, nil
}
