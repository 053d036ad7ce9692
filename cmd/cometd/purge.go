package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/comet/pkg/comet/observability"
)

func newPurgeCmd(v *viper.Viper) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete closed groups older than the retention period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				olderThan = s.Engine.Retention
			}
			logger := observability.NewLogger(s.logConfig(), os.Stderr)

			st, err := openStore(cmd.Context(), s)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			engine, err := buildEngine(s, st, logger)
			if err != nil {
				return err
			}
			n, err := engine.Purge(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d group(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention (default engine.retention)")
	return cmd
}
