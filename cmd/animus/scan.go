package main

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/t77yq/animus/internal/events"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List tasks that are ready to run",
	Long: `Walk the task store and list every incomplete task whose children have all
settled. Nothing is executed; this shows what "animus run" would resume.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	var (
		mu    sync.Mutex
		ready []string
	)
	unsubscribe := store.Subscribe(func(ev events.Event) {
		if ev.Kind != events.KindUnblocked {
			return
		}
		mu.Lock()
		ready = append(ready, ev.Task.ID)
		mu.Unlock()
	})
	defer unsubscribe()

	incomplete, err := store.Scan(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !incomplete {
		fmt.Fprintln(out, "No incomplete tasks")
		return nil
	}
	mu.Lock()
	defer mu.Unlock()
	if len(ready) == 0 {
		fmt.Fprintln(out, "Incomplete tasks are all waiting on children")
		return nil
	}
	for _, id := range ready {
		fmt.Fprintln(out, id)
	}
	return nil
}
