package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/evalgrid/evalgrid/scheduler"
)

// statusAddr is the base URL of the server's HTTP status endpoint. It
// defaults to http://localhost:8080; the server command serves that
// endpoint only when started with a non-empty --status-addr.
var statusAddr string

func init() {
	root.AddCommand(statusCommand)
	statusCommand.Flags().StringVar(&statusAddr, "status-addr", "http://localhost:8080", "server's HTTP status endpoint")
}

// statusCommand hits the Executor's read-only HTTP status endpoint
// (executor/statusserver), the only place a server-wide snapshot is
// available without first submitting a DAG over the wire protocol — the
// Evaluate/Status/Done exchange on that connection is scoped to one
// client's own evaluation, not a general-purpose query.
var statusCommand = &cobra.Command{
	Use:   "status",
	Short: "Fetch a scheduler status snapshot from a server's HTTP status endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(statusAddr + "/status")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status endpoint returned %s", resp.Status)
		}
		var snap scheduler.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return err
		}
		fmt.Printf("ready=%d waiting=%d running=%d\n", snap.Ready, snap.Waiting, snap.Running)
		for _, w := range snap.Workers {
			state := "idle"
			if w.Busy {
				state = fmt.Sprintf("busy(client=%s group=%s)", w.ClientID, w.GroupID)
			}
			fmt.Printf("  worker %s: %s\n", w.ID, state)
		}
		return nil
	},
}
