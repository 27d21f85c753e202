package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE:  runProjectList,
}

var projectAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Add a new project",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectAdd,
}

var projectShowCmd = &cobra.Command{
	Use:   "show [project-id]",
	Short: "Show project details",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectShow,
}

var projectRmCmd = &cobra.Command{
	Use:   "rm [project-id]",
	Short: "Delete a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectRm,
}

var (
	projectDir    string
	projectRename string
)

func init() {
	projectCmd.AddCommand(projectListCmd, projectAddCmd, projectShowCmd, projectRmCmd)

	projectAddCmd.Flags().StringVar(&projectDir, "dir", "", "Working directory for commands run in this project")
	projectShowCmd.Flags().StringVar(&projectRename, "rename", "", "Rename the project")
	projectShowCmd.Flags().StringVar(&projectDir, "dir", "", "Change the working directory")
}

func runProjectList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/projects?" + ownerQuery())
	if err != nil {
		return err
	}

	var projects []map[string]interface{}
	if err := json.Unmarshal(resp, &projects); err != nil {
		return err
	}

	if len(projects) == 0 {
		fmt.Println("No projects found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tWORKING DIR")
	for _, p := range projects {
		id := truncateID(p["id"].(string))
		name := truncate(p["name"].(string), 30)
		dir := ""
		if d, ok := p["working_dir"].(string); ok {
			dir = d
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, name, dir)
	}
	w.Flush()
	return nil
}

func runProjectAdd(cmd *cobra.Command, args []string) error {
	dir := projectDir
	if dir == "" {
		dir, _ = os.Getwd()
	}
	body := map[string]interface{}{
		"user_id":     userID,
		"chat_id":     chatID,
		"name":        args[0],
		"working_dir": dir,
	}

	resp, err := apiPost("/projects", body)
	if err != nil {
		return err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	fmt.Printf("Created project: %s\n", result["id"])
	return nil
}

func runProjectShow(cmd *cobra.Command, args []string) error {
	if projectRename != "" || projectDir != "" {
		body := map[string]interface{}{}
		if projectRename != "" {
			body["name"] = projectRename
		}
		if projectDir != "" {
			body["working_dir"] = projectDir
		}
		if _, err := apiPatch("/projects/"+args[0], body); err != nil {
			return err
		}
		fmt.Printf("Updated project %s\n", args[0])
		return nil
	}

	resp, err := apiGet("/projects/" + args[0])
	if err != nil {
		return err
	}

	var p map[string]interface{}
	if err := json.Unmarshal(resp, &p); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", p["id"])
	fmt.Printf("Name:        %s\n", p["name"])
	fmt.Printf("Working Dir: %s\n", p["working_dir"])
	fmt.Printf("Created:     %s\n", p["created_at"])
	return nil
}

func runProjectRm(cmd *cobra.Command, args []string) error {
	if _, err := apiDelete("/projects/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted project %s\n", args[0])
	return nil
}
