package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/drive-backup/internal/backup"
	"github.com/JakeFAU/drive-backup/internal/snapshot"
)

// newRetentionCmd creates the 'retention' subcommand. Flags left at zero fall
// back to the configured policy.
func newRetentionCmd() *cobra.Command {
	var policy snapshot.Policy
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Delete snapshots beyond the retention policy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Service().ApplyRetention(cmd.Context(), policy)
			if err != nil {
				return fmt.Errorf("apply retention: %w", err)
			}
			if res.Deleted == nil {
				res.Deleted = []int64{}
			}
			if res.Failed == nil {
				res.Failed = []int64{}
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&policy.MaxCount, "max-count", 0, "keep at most this many snapshots per series")
	cmd.Flags().IntVar(&policy.MaxAgeDays, "max-age-days", 0, "delete snapshots older than this many days")
	return cmd
}

// newCheckSeriesCmd creates the 'check-series' subcommand.
func newCheckSeriesCmd() *cobra.Command {
	var (
		items    []string
		baseName string
	)
	cmd := &cobra.Command{
		Use:   "check-series",
		Short: "Report whether a selection already has snapshots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			selection, err := parseItems(items)
			if err != nil {
				return err
			}
			status, err := appInstance.Service().CheckSeries(cmd.Context(), baseName, selection)
			if err != nil {
				return fmt.Errorf("check series: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
	cmd.Flags().StringArrayVar(&items, "item", nil, "remote id in the selection, optionally id=Name (repeatable)")
	cmd.Flags().StringVar(&baseName, "base-name", "", "archive base name of the series")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

// newSnapshotsCmd creates the 'snapshots' subcommand, listing recorded
// snapshots without their manifests.
func newSnapshotsCmd() *cobra.Command {
	var seriesKey string
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List recorded snapshots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			snaps, err := appInstance.Service().Snapshots(cmd.Context(), seriesKey)
			if err != nil {
				return fmt.Errorf("list snapshots: %w", err)
			}
			if snaps == nil {
				snaps = []backup.Snapshot{}
			}
			for i := range snaps {
				snaps[i].Manifest = nil
			}
			return printJSON(cmd.OutOrStdout(), snaps)
		},
	}
	cmd.Flags().StringVar(&seriesKey, "series", "", "only list this series key")
	return cmd
}
