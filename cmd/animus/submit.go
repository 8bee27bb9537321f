package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/animus/internal/events"
	"github.com/t77yq/animus/internal/model"
)

var (
	submitID  string
	submitBus bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <task.json>",
	Short: "Add a task document to the store",
	Long: `Read a task document and add it to the task store, or publish it to the
NATS submit subject with --bus so a running orchestrator picks it up.

A document without an id gets the value of --id, or a generated UUID.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitID, "id", "", "task id (default: the document's id or a new UUID)")
	submitCmd.Flags().BoolVar(&submitBus, "bus", false, "publish to NATS instead of writing to the store")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	task, err := readTaskFile(args[0])
	if err != nil {
		return err
	}
	if submitID != "" {
		task.ID = submitID
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if err := model.ValidateTask(task); err != nil {
		return err
	}

	ctx := cmd.Context()
	if submitBus {
		if err := publishTask(ctx, task); err != nil {
			return err
		}
	} else {
		store, err := openStore()
		if err != nil {
			return err
		}
		if err := store.Add(ctx, task); err != nil {
			return err
		}
	}

	logger.Info("Task submitted", zap.String("task_id", task.ID), zap.Bool("bus", submitBus))
	fmt.Fprintln(cmd.OutOrStdout(), task.ID)
	return nil
}

func publishTask(ctx context.Context, task *model.Task) error {
	conn, js, err := connectNATS(cfg.NATS)
	if err != nil {
		return err
	}
	defer conn.Close()
	return events.Submit(ctx, js, task)
}

func readTaskFile(path string) (*model.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	var task model.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}
	return &task, nil
}
