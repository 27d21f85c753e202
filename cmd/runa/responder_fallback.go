package main

import (
	"context"

	"github.com/runa-bot/runa/internal/models"
)

// fallbackResponder answers when no LLM is configured. Commands still
// work through the run: prefix; chat replies just point users there.
type fallbackResponder struct{}

func (fallbackResponder) Reply(ctx context.Context, input string, history []models.Message, state string) (string, string, error) {
	return "No language model is configured. Set GEMINI_API_KEY or add an " +
		"llm section to ~/.runa/config.yaml. You can still run commands " +
		"with 'run: <command>' (append & to run in the background).", state, nil
}
