package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/drive-backup/internal/server"
)

// newServeCmd creates the 'serve' subcommand, which exposes runs over HTTP
// until the process is interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the backup API",
		Long: `Starts the HTTP API: start, pause, resume and cancel runs, poll their
progress, list snapshots and apply retention. SIGINT or SIGTERM drains the
server and cancels runs in flight.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return server.Run(cmd.Context(), appInstance)
		},
	}
}
