package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sawpanic/perpsync/internal/refresh"
)

func newRefreshCmd() *cobra.Command {
	var delta bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run a one-shot refresh, streaming progress to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logClose, err := loadAndInit()
			if err != nil {
				return err
			}

			a, err := buildApp(cfg, logClose)
			if err != nil {
				return err
			}
			defer a.Close()

			sessionID := refresh.NewSessionID()
			sub := a.hub.Subscribe(sessionID)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for frame := range sub.Frames {
					os.Stdout.Write(frame)
				}
			}()

			summary, err := a.orch.Run(sessionID, delta)
			<-done
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(summary, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().BoolVar(&delta, "delta", false, "market-data-only refresh when the store is fresh")
	return cmd
}
