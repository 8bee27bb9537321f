package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/t77yq/animus/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show the status of a task",
	Long: `Show the materialized status of a task along with its result or error
when it has settled. Child tasks are addressed by their full id, e.g. demo/response.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	id := args[0]
	status, err := store.Status(ctx, id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task:   %s\n", id)
	fmt.Fprintf(out, "Status: %s\n", status)

	switch status {
	case model.TaskStatusComplete:
		result, err := store.Result(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Result: %s\n", result)
	case model.TaskStatusFailed:
		taskErr, err := store.Error(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Error:  %s\n", taskErr.Message)
	case model.TaskStatusBlocked:
		state, err := store.GetState(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Waiting on: %v\n", state.Pending())
	}
	return nil
}
