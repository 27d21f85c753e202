package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat [message...]",
	Short: "Send a chat message and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")

	body := map[string]interface{}{
		"user_id": userID,
		"chat_id": chatID,
		"text":    text,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return err
	}

	// Inline run: commands block until the command finishes, so this
	// request gets a longer timeout than the shared client.
	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Post(apiAddr+"/chat", "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(raw))
	}

	var result struct {
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return err
	}

	fmt.Println(result.Reply)
	return nil
}
