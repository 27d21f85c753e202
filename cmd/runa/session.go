package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage conversation sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions for this chat",
	RunE:  runSessionList,
}

var sessionNewCmd = &cobra.Command{
	Use:   "new [name]",
	Short: "Create a new session and make it active",
	RunE:  runSessionNew,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Show session details",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionRmCmd = &cobra.Command{
	Use:   "rm [session-id]",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionRm,
}

var sessionUseCmd = &cobra.Command{
	Use:   "use [session-id]",
	Short: "Make a session the active one for this chat",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionUse,
}

var sessionActiveCmd = &cobra.Command{
	Use:   "active",
	Short: "Show the active session for this chat",
	RunE:  runSessionActive,
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the active session pointer for this chat",
	RunE:  runSessionClear,
}

var sessionLogCmd = &cobra.Command{
	Use:   "log [session-id]",
	Short: "Show recent messages in a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionLog,
}

var (
	sessionProjectID string
	sessionName      string
	logLimit         int
)

func init() {
	sessionCmd.AddCommand(sessionListCmd, sessionNewCmd, sessionShowCmd, sessionRmCmd,
		sessionUseCmd, sessionActiveCmd, sessionClearCmd, sessionLogCmd)

	sessionNewCmd.Flags().StringVar(&sessionProjectID, "project", "", "Project to attach the session to")
	sessionShowCmd.Flags().StringVar(&sessionName, "rename", "", "Rename the session")
	sessionLogCmd.Flags().IntVar(&logLimit, "limit", 20, "Number of messages to show")
}

func runSessionList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/sessions?" + ownerQuery())
	if err != nil {
		return err
	}

	var sessions []map[string]interface{}
	if err := json.Unmarshal(resp, &sessions); err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMSGS\tPROJECT\tACTIVE")
	for _, s := range sessions {
		id := truncateID(s["id"].(string))
		name := truncate(s["name"].(string), 40)
		count := int(s["message_count"].(float64))
		project := ""
		if p, ok := s["project_name"].(string); ok {
			project = p
		}
		active := ""
		if a, ok := s["active"].(bool); ok && a {
			active = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", id, name, count, project, active)
	}
	w.Flush()
	return nil
}

func runSessionNew(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"user_id":    userID,
		"chat_id":    chatID,
		"name":       strings.Join(args, " "),
		"project_id": sessionProjectID,
		"activate":   true,
	}

	resp, err := apiPost("/sessions", body)
	if err != nil {
		return err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	fmt.Printf("Created session: %s (%s)\n", result["id"], result["name"])
	return nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	if sessionName != "" {
		body := map[string]interface{}{"name": sessionName}
		if _, err := apiPatch("/sessions/"+args[0], body); err != nil {
			return err
		}
		fmt.Printf("Renamed session %s\n", args[0])
		return nil
	}

	resp, err := apiGet("/sessions/" + args[0])
	if err != nil {
		return err
	}

	var sess map[string]interface{}
	if err := json.Unmarshal(resp, &sess); err != nil {
		return err
	}

	fmt.Printf("ID:       %s\n", sess["id"])
	fmt.Printf("Name:     %s\n", sess["name"])
	if pid, ok := sess["project_id"].(string); ok && pid != "" {
		fmt.Printf("Project:  %s\n", pid)
	}
	fmt.Printf("Created:  %s\n", sess["created_at"])
	fmt.Printf("Updated:  %s\n", sess["updated_at"])
	return nil
}

func runSessionRm(cmd *cobra.Command, args []string) error {
	if _, err := apiDelete("/sessions/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted session %s\n", args[0])
	return nil
}

func runSessionUse(cmd *cobra.Command, args []string) error {
	body := map[string]int64{
		"user_id": userID,
		"chat_id": chatID,
	}
	if _, err := apiPost("/sessions/"+args[0]+"/activate", body); err != nil {
		return err
	}
	fmt.Printf("Session %s is now active\n", args[0])
	return nil
}

func runSessionActive(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/active?" + ownerQuery())
	if err != nil {
		return err
	}

	var sess map[string]interface{}
	if err := json.Unmarshal(resp, &sess); err != nil {
		return err
	}

	fmt.Printf("%s  %s\n", truncateID(sess["id"].(string)), sess["name"])
	return nil
}

func runSessionClear(cmd *cobra.Command, args []string) error {
	if _, err := apiDelete("/active?" + ownerQuery()); err != nil {
		return err
	}
	fmt.Println("Active session cleared; the next message starts a fresh session")
	return nil
}

func runSessionLog(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(fmt.Sprintf("/sessions/%s/messages?limit=%d", args[0], logLimit))
	if err != nil {
		return err
	}

	var messages []map[string]interface{}
	if err := json.Unmarshal(resp, &messages); err != nil {
		return err
	}

	if len(messages) == 0 {
		fmt.Println("No messages found")
		return nil
	}

	for _, m := range messages {
		role := m["role"].(string)
		content := m["content"].(string)
		fmt.Printf("[%s] %s\n", role, content)
	}
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
