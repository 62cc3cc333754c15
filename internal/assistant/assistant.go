// Package assistant adapts the OpenAI Assistants and audio APIs to the
// contracts used by the session manager and the pipeline.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"voicecal/internal/session"
)

// Config holds the connection settings.
type Config struct {
	APIKey             string
	BaseURL            string // optional, defaults to the public API
	TranscriptionModel string
	Language           string // ISO-639-1 hint for transcription, optional
}

// Client talks to the OpenAI API. It implements session.Remote and the
// pipeline's Transcriber.
type Client struct {
	api                *openai.Client
	transcriptionModel string
	language           string
}

// NewClient creates a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY is not set")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.TranscriptionModel
	if model == "" {
		model = openai.Whisper1
	}
	return &Client{
		api:                openai.NewClientWithConfig(oc),
		transcriptionModel: model,
		language:           cfg.Language,
	}, nil
}

var _ session.Remote = (*Client)(nil)

func (c *Client) CreateAssistant(ctx context.Context, spec session.AssistantSpec) (string, error) {
	tools := make([]openai.AssistantTool, 0, len(spec.Tools))
	for _, t := range spec.Tools {
		tools = append(tools, openai.AssistantTool{Type: openai.AssistantToolType(t)})
	}
	name, instructions := spec.Name, spec.Instructions
	a, err := c.api.CreateAssistant(ctx, openai.AssistantRequest{
		Model:        spec.Model,
		Name:         &name,
		Instructions: &instructions,
		Tools:        tools,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create assistant: %w", err)
	}
	return a.ID, nil
}

func (c *Client) RetrieveAssistant(ctx context.Context, id string) error {
	if _, err := c.api.RetrieveAssistant(ctx, id); err != nil {
		return mapError(err, session.ResourceAssistant, id)
	}
	return nil
}

func (c *Client) CreateThread(ctx context.Context) (string, error) {
	t, err := c.api.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("failed to create thread: %w", err)
	}
	return t.ID, nil
}

func (c *Client) RetrieveThread(ctx context.Context, id string) error {
	if _, err := c.api.RetrieveThread(ctx, id); err != nil {
		return mapError(err, session.ResourceThread, id)
	}
	return nil
}

func (c *Client) AddUserMessage(ctx context.Context, threadID, text string) error {
	_, err := c.api.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})
	if err != nil {
		return mapError(err, session.ResourceThread, threadID)
	}
	return nil
}

func (c *Client) StartRun(ctx context.Context, threadID, assistantID string) (string, error) {
	run, err := c.api.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: assistantID})
	if err != nil {
		// A 404 here names whichever resource is gone.
		if isNotFound(err) && strings.Contains(strings.ToLower(err.Error()), "assistant") {
			return "", &session.NotFoundError{Resource: session.ResourceAssistant, ID: assistantID}
		}
		return "", mapError(err, session.ResourceThread, threadID)
	}
	return run.ID, nil
}

func (c *Client) GetRun(ctx context.Context, threadID, runID string) (session.Run, error) {
	run, err := c.api.RetrieveRun(ctx, threadID, runID)
	if err != nil {
		return session.Run{}, fmt.Errorf("failed to retrieve run %s: %w", runID, err)
	}
	out := session.Run{
		ID:     run.ID,
		Status: string(run.Status),
		Model:  run.Model,
		Usage: session.Usage{
			PromptTokens:     run.Usage.PromptTokens,
			CompletionTokens: run.Usage.CompletionTokens,
			TotalTokens:      run.Usage.TotalTokens,
		},
	}
	if run.LastError != nil {
		out.LastError = run.LastError.Message
	}
	return out, nil
}

func (c *Client) ListMessages(ctx context.Context, threadID string) ([]session.Message, error) {
	limit, order := 20, "desc"
	list, err := c.api.ListMessage(ctx, threadID, &limit, &order, nil, nil, nil)
	if err != nil {
		return nil, mapError(err, session.ResourceThread, threadID)
	}
	out := make([]session.Message, 0, len(list.Messages))
	for _, m := range list.Messages {
		msg := session.Message{Role: m.Role}
		for _, content := range m.Content {
			if content.Text != nil {
				msg.Text = content.Text.Value
				break
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

// Transcribe converts an audio file to text.
func (c *Client) Transcribe(ctx context.Context, path string) (string, error) {
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.transcriptionModel,
		FilePath: path,
		Language: c.language,
	})
	if err != nil {
		return "", fmt.Errorf("failed to transcribe %s: %w", path, err)
	}
	return resp.Text, nil
}

func isNotFound(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusNotFound
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusNotFound
	}
	return false
}

func mapError(err error, resource, id string) error {
	if isNotFound(err) {
		return &session.NotFoundError{Resource: resource, ID: id}
	}
	return fmt.Errorf("%s %s: %w", resource, id, err)
}
