package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "runa",
	Short: "Runa - chat assistant with session memory and command execution",
	Long: `Runa is a chat assistant daemon that keeps per-chat conversation
sessions, pins one active session per chat, and runs shell commands
inline or in the background on request.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr string
	userID  int64
	chatID  int64
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7433", "API server address")
	rootCmd.PersistentFlags().Int64Var(&userID, "user", 1, "User ID to act as")
	rootCmd.PersistentFlags().Int64Var(&chatID, "chat", 1, "Chat ID to act in")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(tuiCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
