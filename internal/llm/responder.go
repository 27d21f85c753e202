// Package llm implements the conversation responder on Google's
// Gemini API. The core only depends on the conversation.Responder
// interface; this package is the production collaborator behind it.
package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/runa-bot/runa/internal/models"
)

const systemPrompt = `You are a helpful assistant in a chat.
Answer clearly and concisely.
If the user asks you to run shell commands, tell them to prefix the
message with 'run:' and describe what the command will do. Append '&'
to a run: message to execute it in the background.`

// Config holds responder settings.
type Config struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Responder answers chat messages via the Gemini API.
type Responder struct {
	client *genai.Client
	model  string
}

// New creates a Gemini-backed responder.
func New(ctx context.Context, cfg Config) (*Responder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("LLM API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &Responder{client: client, model: model}, nil
}

// Reply produces the assistant reply for input given the recent
// history. The opaque session state is passed through unchanged; this
// responder does not maintain cross-turn state of its own.
func (r *Responder) Reply(ctx context.Context, input string, history []models.Message, state string) (string, string, error) {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, m := range history {
		role := genai.Role(genai.RoleUser)
		if m.Role == models.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(input, genai.RoleUser))

	result, err := r.client.Models.GenerateContent(ctx, r.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
	})
	if err != nil {
		return "", "", fmt.Errorf("generate content: %w", err)
	}

	reply := strings.TrimSpace(result.Text())
	return reply, state, nil
}
