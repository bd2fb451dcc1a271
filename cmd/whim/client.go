package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/skylarbarrera/whim/pkg/client"
	"github.com/skylarbarrera/whim/pkg/types"
)

var (
	serverURL string

	submitSpec        string
	submitDescription string
	submitPriority    string
	submitSource      string

	listType string
	logLines int
	killWhy  string
)

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, submitCmd, listCmd, cancelCmd, logsCmd, killCmd, eventsCmd} {
		cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8420", "orchestrator address")
	}
	submitCmd.Flags().StringVar(&submitSpec, "spec", "", "full specification for the work item")
	submitCmd.Flags().StringVar(&submitDescription, "description", "", "short description (spec is synthesized externally)")
	submitCmd.Flags().StringVar(&submitPriority, "priority", "", "low | medium | high | critical")
	submitCmd.Flags().StringVar(&submitSource, "source", "cli", "where this work item originated")
	listCmd.Flags().StringVar(&listType, "type", "", "filter by work item type")
	logsCmd.Flags().IntVar(&logLines, "lines", 100, "number of trailing log lines")
	killCmd.Flags().StringVar(&killWhy, "reason", "", "reason recorded on the work item")
}

func apiClient() *client.Client {
	return client.New(serverURL)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue, worker, and rate-limiter status",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := apiClient().Status(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <repo>",
	Short: "Submit a work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := types.SubmitRequest{
			Repo:     args[0],
			Source:   submitSource,
			Priority: types.Priority(submitPriority),
		}
		if submitSpec != "" {
			req.Spec = &submitSpec
		}
		if submitDescription != "" {
			req.Description = &submitDescription
		}
		item, err := apiClient().Submit(cmd.Context(), &req)
		if err != nil {
			return err
		}
		return printJSON(item)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List work items",
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := apiClient().ListWorkItems(cmd.Context(), listType)
		if err != nil {
			return err
		}
		return printJSON(items)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <work-item-id>",
	Short: "Cancel a queued work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("cancelled", args[0])
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <worker-id>",
	Short: "Show a worker's container logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logs, err := apiClient().WorkerLogs(cmd.Context(), args[0], logLines)
		if err != nil {
			return err
		}
		fmt.Print(logs)
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <worker-id>",
	Short: "Terminate a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().Kill(cmd.Context(), args[0], killWhy); err != nil {
			return err
		}
		fmt.Println("killed", args[0])
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events [limit]",
	Short: "Show recent lifecycle events, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit := 0
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return fmt.Errorf("limit must be a non-negative integer")
			}
			limit = n
		}
		evs, err := apiClient().Events(cmd.Context(), limit)
		if err != nil {
			return err
		}
		return printJSON(evs)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
