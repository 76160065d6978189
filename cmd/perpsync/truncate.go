package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/perpsync/internal/store"
)

func newTruncateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "truncate",
		Short: "Delete every asset row",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logClose, err := loadAndInit()
			if err != nil {
				return err
			}
			if logClose != nil {
				defer logClose()
			}

			st, err := store.Open(cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			deleted, err := st.Truncate(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d rows\n", deleted)
			return nil
		},
	}
}
