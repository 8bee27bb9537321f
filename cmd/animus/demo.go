package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/animus/internal/datastore"
	"github.com/t77yq/animus/internal/events"
	"github.com/t77yq/animus/internal/handler"
	"github.com/t77yq/animus/internal/model"
	"github.com/t77yq/animus/internal/orchestrator"
	"github.com/t77yq/animus/internal/registry"
	"github.com/t77yq/animus/internal/taskstore"
	"github.com/t77yq/animus/internal/tool"
)

const demoAccount = `{"account":{"key":"JleR1ZYkvqHi3cZk5IDqAQ"}}`

var demoStore string

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Track a shipment end to end against a stubbed carrier",
	Long: `Run the shipment tracking scenario in a scratch store.

The @easypost/track tool suspends twice, once for the base64 encoded API key
and once for the HTTP response, so the run creates demo/encodedKey and
demo/response before the parent finishes. The HTTP call is answered locally.`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().StringVar(&demoStore, "store", "", "store directory to use (default: a temporary directory)")
}

func runDemo(cmd *cobra.Command, args []string) error {
	dir := demoStore
	if dir == "" {
		tmp, err := os.MkdirTemp("", "animus-demo-")
		if err != nil {
			return fmt.Errorf("failed to create demo store: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	store, err := taskstore.New(dir, logger)
	if err != nil {
		return err
	}

	reg := registry.New(logger)
	for _, meta := range handler.Descriptors() {
		if err := reg.Register(meta); err != nil {
			return err
		}
	}

	loader := tool.NewLoader(logger)
	handler.Register(loader, nil)
	loader.Register(handler.NameHTTPPost, tool.Static(tool.Func(stubCarrier)))

	data := afero.NewMemMapFs()
	if err := afero.WriteFile(data, "/data/@zamplebox/@easypost.json", []byte(demoAccount), 0o644); err != nil {
		return err
	}

	orch := orchestrator.New(store, reg, loader, datastore.New(data, "/data", logger), logger,
		orchestrator.WithoutWatch())

	out := cmd.OutOrStdout()
	orch.Subscribe(func(ev events.Event) {
		switch ev.Kind {
		case events.KindBlocked:
			fmt.Fprintf(out, "%-10s %s -> %s\n", ev.Kind, ev.Task.ID, ev.Child.ID)
		case events.KindFailed:
			fmt.Fprintf(out, "%-10s %s: %s\n", ev.Kind, ev.Task.ID, ev.Error.Message)
		default:
			fmt.Fprintf(out, "%-10s %s\n", ev.Kind, ev.Task.ID)
		}
	})

	ctx := cmd.Context()
	if err := orch.Start(ctx); err != nil {
		return err
	}
	defer orch.Stop()

	task := &model.Task{
		Context:        "https://animus.dev/schema",
		Type:           "Shipping#Track",
		ID:             "demo",
		Requester:      "@zamplebox",
		RequestFormat:  map[string]string{"trackingNumber": "Shipment#TrackingNumber"},
		ResponseFormat: map[string]string{"status": "Shipment#Status"},
		Data:           json.RawMessage(`{"trackingNumber":"1ZA275A00286321254"}`),
	}
	if err := orch.AddTask(ctx, task); err != nil {
		return err
	}
	orch.Wait()

	status, err := store.Status(ctx, task.ID)
	if err != nil {
		return err
	}
	if status != model.TaskStatusComplete {
		return fmt.Errorf("demo task ended %s", status)
	}
	result, err := store.Result(ctx, task.ID)
	if err != nil {
		return err
	}

	stats := orch.Stats()
	logger.Info("Demo finished",
		zap.String("store", dir),
		zap.Int64("attempts", stats.Started),
		zap.Int64("blocked", stats.Blocked))
	fmt.Fprintf(out, "\nresult: %s\n", result)
	return nil
}

// stubCarrier answers the tracking POST without leaving the process
func stubCarrier(ctx context.Context, c *tool.Context) (any, error) {
	var req handler.HTTPPostRequest
	if err := c.Task.DecodeData(&req); err != nil {
		return nil, err
	}
	c.Logger.Debug("Stubbed carrier request",
		zap.String("url", req.URL),
		zap.String("body", req.Body))
	return map[string]string{
		"status":  "in_transit",
		"carrier": "USPS",
		"url":     "https://easypost.com/dummy",
	}, nil
}
