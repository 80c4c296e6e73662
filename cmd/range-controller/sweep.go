package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/csai/vm-range-controller/internal/session"
)

func newSweepCmd() *cobra.Command {
	var purgeDays int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one cleanup pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := buildController(cmd)
			if err != nil {
				return err
			}
			sweeper := session.NewSweeper(ctl.cfg.Cleanup, ctl.mgr, ctl.issuer, ctl.log)
			cleaned := sweeper.Sweep(context.Background())

			var purged int64
			if purgeDays > 0 {
				cutoff := time.Now().UTC().AddDate(0, 0, -purgeDays)
				purged, err = ctl.st.PurgeTerminatedBefore(cutoff)
				if err != nil {
					return err
				}
			}

			report := map[string]any{
				"status":       "ok",
				"cleaned":      cleaned,
				"purged":       purged,
				"swept_at_utc": time.Now().UTC().Format(time.RFC3339),
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().IntVar(&purgeDays, "purge-older-than-days", 0, "also delete terminal session rows older than N days")
	return cmd
}
