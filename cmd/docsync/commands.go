package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
)

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync [library...]",
	Short: "Pull remote libraries into the local snapshot",
	Long: `Pull remote libraries into the local snapshot.

Examples:
  docsync sync                  # every configured library
  docsync sync errors actions   # only the named libraries`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{}
		if len(args) > 0 {
			body["libraries"] = args
		}
		resp, err := client.post(cmd.Context(), "/sync", body)
		if err != nil {
			return err
		}

		var run struct {
			ID        string `json:"id"`
			Status    string `json:"status"`
			Seen      int    `json:"seen"`
			Created   int    `json:"created"`
			Updated   int    `json:"updated"`
			Unchanged int    `json:"unchanged"`
			Missing   int    `json:"missing"`
			Errors    int    `json:"errors"`
			Summary   string `json:"summary"`
		}
		if err := decodeJSON(resp, &run); err != nil {
			return err
		}

		printStatus("Run", "%s (%s)", run.ID, run.Status)
		printStatus("Seen", "%d", run.Seen)
		printStatus("Created", "%d", run.Created)
		printStatus("Updated", "%d", run.Updated)
		printStatus("Unchanged", "%d", run.Unchanged)
		printStatus("Missing", "%d", run.Missing)
		printStatus("Errors", "%d", run.Errors)
		if run.Summary != "" {
			printWarning("%s", run.Summary)
		}
		if run.Status == "success" {
			printSuccess("Sync finished")
		} else {
			printWarning("Sync finished with status %s", run.Status)
		}
		return nil
	},
}

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate <kind>",
	Short: "Generate suggestions for eligible pages (kind: error or knowledge)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{}
		if limit > 0 {
			body["limit"] = limit
		}
		resp, err := client.post(cmd.Context(), "/suggestions/"+args[0]+"/generate", body)
		if err != nil {
			return err
		}

		var summary struct {
			RunID       string `json:"run_id"`
			Targets     int    `json:"targets"`
			Suggestions int    `json:"suggestions"`
			NeedsReview int    `json:"needs_review"`
			Failures    int    `json:"failures"`
			Status      string `json:"status"`
		}
		if err := decodeJSON(resp, &summary); err != nil {
			return err
		}

		printStatus("Run", "%s (%s)", summary.RunID, summary.Status)
		printStatus("Targets", "%d", summary.Targets)
		printStatus("Suggestions", "%d", summary.Suggestions)
		printStatus("Needs review", "%d", summary.NeedsReview)
		printStatus("Failures", "%d", summary.Failures)
		return nil
	},
}

func init() {
	generateCmd.Flags().Int("limit", 0, "maximum number of targets (0 = no cap)")
}

// --- suggestions ---

var suggestionsCmd = &cobra.Command{
	Use:   "suggestions",
	Short: "Review the suggestion queue",
}

var suggestionsListCmd = &cobra.Command{
	Use:   "list <kind>",
	Short: "List suggestions of one kind",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/suggestions/%s?limit=%d", args[0], limit)
		if status != "" {
			path += "&status=" + status
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var body struct {
			Suggestions []struct {
				ID              string  `json:"id"`
				PageTitle       string  `json:"page_title"`
				Status          string  `json:"status"`
				Confidence      float64 `json:"confidence"`
				ValidationNotes string  `json:"validation_notes"`
			} `json:"suggestions"`
			Counts map[string]int `json:"counts"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if len(body.Suggestions) == 0 {
			fmt.Println("No suggestions found.")
			return nil
		}
		for _, sg := range body.Suggestions {
			title := sg.PageTitle
			if len(title) > 60 {
				title = title[:60] + "..."
			}
			line := fmt.Sprintf("%s  %-14s  %.2f  %s",
				colorize(colorCyan, shortID(sg.ID)), sg.Status, sg.Confidence, title)
			fmt.Println(line)
			if sg.ValidationNotes != "" {
				fmt.Printf("          %s\n", colorize(colorYellow, sg.ValidationNotes))
			}
		}

		var parts []string
		for status, n := range body.Counts {
			parts = append(parts, fmt.Sprintf("%s=%d", status, n))
		}
		if len(parts) > 0 {
			fmt.Printf("\n%s\n", strings.Join(parts, "  "))
		}
		return nil
	},
}

var suggestionsShowCmd = &cobra.Command{
	Use:   "show <kind> <id>",
	Short: "Show one suggestion as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/suggestions/"+args[0]+"/"+args[1])
		if err != nil {
			return err
		}

		var sg any
		if err := decodeJSON(resp, &sg); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sg)
	},
}

func reviewAction(action, doneVerb string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{}
		if note != "" {
			body["reviewer_note"] = note
		}
		resp, err := client.post(cmd.Context(), "/suggestions/"+args[0]+"/"+args[1]+"/"+action, body)
		if err != nil {
			return err
		}

		var sg struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &sg); err != nil {
			return err
		}
		printSuccess("Suggestion %s %s (status: %s)", shortID(sg.ID), doneVerb, sg.Status)
		return nil
	}
}

var suggestionsConfirmCmd = &cobra.Command{
	Use:   "confirm <kind> <id>",
	Short: "Confirm a suggestion and apply it to the remote store",
	Args:  cobra.ExactArgs(2),
	RunE:  reviewAction("confirm", "applied"),
}

var suggestionsRejectCmd = &cobra.Command{
	Use:   "reject <kind> <id>",
	Short: "Reject a suggestion without touching the remote store",
	Args:  cobra.ExactArgs(2),
	RunE:  reviewAction("reject", "rejected"),
}

var suggestionsRetryCmd = &cobra.Command{
	Use:   "retry <kind> <id>",
	Short: "Resubmit a failed suggestion for review",
	Args:  cobra.ExactArgs(2),
	RunE:  reviewAction("retry", "resubmitted"),
}

var suggestionsRegenerateCmd = &cobra.Command{
	Use:   "regenerate <kind> <id>",
	Short: "Re-run generation for a suggestion's source page",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/suggestions/"+args[0]+"/"+args[1]+"/regenerate", nil)
		if err != nil {
			return err
		}

		var summary struct {
			RunID  string `json:"run_id"`
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &summary); err != nil {
			return err
		}
		printSuccess("Regenerated in run %s (%s)", summary.RunID, summary.Status)
		return nil
	},
}

var suggestionsEditCmd = &cobra.Command{
	Use:   "edit <kind> <id>",
	Short: "Open the proposed content in $EDITOR and save the result",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "vi"
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/suggestions/"+args[0]+"/"+args[1])
		if err != nil {
			return err
		}
		var sg struct {
			ProposedJSON string `json:"proposed_json"`
		}
		if err := decodeJSON(resp, &sg); err != nil {
			return err
		}

		var proposed any
		if err := json.Unmarshal([]byte(sg.ProposedJSON), &proposed); err != nil {
			return fmt.Errorf("suggestion carries invalid proposed content: %w", err)
		}
		data, err := json.MarshalIndent(proposed, "", "  ")
		if err != nil {
			return err
		}

		edited, err := editInTempFile(editor, data)
		if err != nil {
			return err
		}
		var check map[string]any
		if err := json.Unmarshal(edited, &check); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}

		patchResp, err := client.patch(cmd.Context(), "/suggestions/"+args[0]+"/"+args[1], map[string]any{
			"proposed": json.RawMessage(edited),
		})
		if err != nil {
			return err
		}
		var updated struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(patchResp, &updated); err != nil {
			return err
		}
		printSuccess("Suggestion %s updated", shortID(updated.ID))
		return nil
	},
}

func init() {
	suggestionsConfirmCmd.Flags().String("note", "", "reviewer note to record")
	suggestionsRejectCmd.Flags().String("note", "", "reviewer note to record")
	suggestionsRetryCmd.Flags().String("note", "", "reviewer note to record")
	suggestionsListCmd.Flags().String("status", "", "filter by status")
	suggestionsListCmd.Flags().Int("limit", 50, "maximum number of suggestions to list")

	suggestionsCmd.AddCommand(suggestionsListCmd)
	suggestionsCmd.AddCommand(suggestionsShowCmd)
	suggestionsCmd.AddCommand(suggestionsConfirmCmd)
	suggestionsCmd.AddCommand(suggestionsRejectCmd)
	suggestionsCmd.AddCommand(suggestionsRetryCmd)
	suggestionsCmd.AddCommand(suggestionsRegenerateCmd)
	suggestionsCmd.AddCommand(suggestionsEditCmd)
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state and pending review counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sync/status")
		if err != nil {
			return err
		}
		var syncBody struct {
			Libraries []struct {
				Library        string `json:"library"`
				Synced         bool   `json:"synced"`
				LocalPageCount int    `json:"local_page_count"`
				Stale          bool   `json:"stale"`
				Note           string `json:"note"`
			} `json:"libraries"`
		}
		if err := decodeJSON(resp, &syncBody); err != nil {
			return err
		}

		for _, lib := range syncBody.Libraries {
			state := "fresh"
			switch {
			case !lib.Synced:
				state = "never synced"
			case lib.Stale:
				state = "stale"
			}
			if lib.Note != "" && lib.Synced {
				state += " (" + lib.Note + ")"
			}
			printStatus(lib.Library, "%d pages, %s", lib.LocalPageCount, state)
		}

		overview, err := client.get(cmd.Context(), "/status")
		if err != nil {
			return err
		}
		var statusBody struct {
			Suggestions map[string]struct {
				Pending int `json:"pending"`
			} `json:"suggestions"`
		}
		if err := decodeJSON(overview, &statusBody); err != nil {
			return err
		}
		for kind, s := range statusBody.Suggestions {
			printStatus("Pending "+kind, "%d", s.Pending)
		}
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func editInTempFile(editor string, data []byte) ([]byte, error) {
	tmpFile, err := os.CreateTemp("", "docsync-proposal-*.json")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return nil, err
	}
	tmpFile.Close()

	if err := runEditor(editor, tmpPath); err != nil {
		return nil, err
	}
	return os.ReadFile(tmpPath)
}

func runEditor(editor, path string) error {
	cmd := exec.Command(editor, path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("editor exited with error: %w", err)
	}
	return nil
}
