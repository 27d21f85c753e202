package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage background tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent background tasks for this chat",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details and output",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var taskLimit int

func init() {
	taskCmd.AddCommand(taskListCmd, taskShowCmd, taskCancelCmd)

	taskListCmd.Flags().IntVar(&taskLimit, "limit", 10, "Number of tasks to show")
}

func runTaskList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(fmt.Sprintf("/tasks?%s&limit=%d", ownerQuery(), taskLimit))
	if err != nil {
		return err
	}

	var tasks []map[string]interface{}
	if err := json.Unmarshal(resp, &tasks); err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tEXIT\tCOMMAND")
	for _, t := range tasks {
		id := truncateID(t["id"].(string))
		status := t["status"].(string)
		exit := ""
		if status != "pending" && status != "running" {
			exit = fmt.Sprintf("%.0f", t["exit_code"].(float64))
		}
		command := truncate(t["command"].(string), 48)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, status, exit, command)
	}
	w.Flush()
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tasks/" + args[0])
	if err != nil {
		return err
	}

	var task map[string]interface{}
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	fmt.Printf("ID:       %s\n", task["id"])
	fmt.Printf("Command:  %s\n", task["command"])
	fmt.Printf("Status:   %s\n", task["status"])
	fmt.Printf("Exit:     %.0f\n", task["exit_code"].(float64))
	fmt.Printf("Started:  %s\n", task["started_at"])
	if ended, ok := task["ended_at"].(string); ok && ended != "" {
		fmt.Printf("Ended:    %s\n", ended)
	}
	if output, ok := task["output"].(string); ok && output != "" {
		fmt.Println("\n--- OUTPUT ---")
		fmt.Println(output)
	}
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/tasks/"+args[0]+"/cancel", map[string]string{}); err != nil {
		return err
	}
	fmt.Printf("Cancel requested for task %s\n", args[0])
	return nil
}
