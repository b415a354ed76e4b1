package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

type runFlags struct {
	items         []string
	baseName      string
	format        string
	level         string
	mode          string
	backupType    string
	forceFull     bool
	groups        []string
	createdAfter  string
	modifiedAfter string
	maxSize       string
	password      string
}

// newRunCmd creates the 'run' subcommand, which performs one backup in the
// foreground and prints the final progress as JSON.
func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Back up a selection once",
		Long: `Maps the selected folders and files, downloads them, packs them into an
archive and records a snapshot. Ctrl-C cancels the run and removes the
staging directory.`,
		Example: `  drive-backup run --demo --item projects=Projects --type incremental
  drive-backup run --item 1AbC... --format tar.gz --groups document,pdf --max-size 50MB`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			req, err := f.request()
			if err != nil {
				return err
			}
			final, runErr := appInstance.Service().Execute(cmd.Context(), req)
			if final.TaskID != "" {
				appInstance.Logger().Info("Run finished",
					zap.String("task_id", final.TaskID),
					zap.String("phase", string(final.Phase)),
					zap.Int("files", final.FilesDownloaded),
					zap.String("bytes", humanize.IBytes(uint64(max(final.BytesDownloaded, 0)))),
				)
				if err := printJSON(cmd.OutOrStdout(), final); err != nil {
					return err
				}
			}
			if runErr != nil {
				return fmt.Errorf("backup run: %w", runErr)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringArrayVar(&f.items, "item", nil, "remote id to back up, optionally id=Name (repeatable)")
	flags.StringVar(&f.baseName, "base-name", "", "archive base name (defaults to the single item's name)")
	flags.StringVar(&f.format, "format", string(backup.FormatZip), "archive format: zip, tar.gz or 7z")
	flags.StringVar(&f.level, "level", string(backup.LevelNormal), "compression level: fast, normal or max")
	flags.StringVar(&f.mode, "mode", string(backup.ModeSequential), "download mode: sequential or concurrent")
	flags.StringVar(&f.backupType, "type", string(backup.TypeFull), "backup type: full or incremental")
	flags.BoolVar(&f.forceFull, "force-full", false, "plan a full backup even when a series exists")
	flags.StringSliceVar(&f.groups, "groups", nil, "only include these type groups, e.g. document,pdf,image")
	flags.StringVar(&f.createdAfter, "created-after", "", "only include files created after this RFC 3339 time")
	flags.StringVar(&f.modifiedAfter, "modified-after", "", "only include files modified after this RFC 3339 time")
	flags.StringVar(&f.maxSize, "max-size", "", "skip files larger than this, e.g. 50MB")
	flags.StringVar(&f.password, "password", "", "archive password (accepted but not applied)")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func (f runFlags) request() (backup.RunRequest, error) {
	items, err := parseItems(f.items)
	if err != nil {
		return backup.RunRequest{}, err
	}
	req := backup.RunRequest{
		Selection:  items,
		BaseName:   f.baseName,
		Format:     backup.Format(f.format),
		Level:      backup.CompressionLevel(f.level),
		Mode:       backup.Mode(f.mode),
		BackupType: backup.BackupType(f.backupType),
		Password:   f.password,
	}
	if f.forceFull {
		forced := true
		req.ForceFull = &forced
	}
	if req.Filter.Groups, err = backup.ParseGroups(f.groups); err != nil {
		return req, err
	}
	if req.Filter.CreatedAfter, err = parseTime("created-after", f.createdAfter); err != nil {
		return req, err
	}
	if req.Filter.ModifiedAfter, err = parseTime("modified-after", f.modifiedAfter); err != nil {
		return req, err
	}
	if f.maxSize != "" {
		n, err := humanize.ParseBytes(f.maxSize)
		if err != nil {
			return req, fmt.Errorf("invalid --max-size %q: %w", f.maxSize, err)
		}
		req.Filter.MaxSizeBytes = int64(n)
	}
	return req, nil
}

// parseItems turns "id" and "id=Name" flags into selection items.
func parseItems(raw []string) ([]backup.SelectionItem, error) {
	if len(raw) == 0 {
		return nil, errors.New("at least one --item is required")
	}
	items := make([]backup.SelectionItem, 0, len(raw))
	for _, r := range raw {
		id, name, _ := strings.Cut(r, "=")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("invalid --item %q: empty id", r)
		}
		items = append(items, backup.SelectionItem{ID: id, Name: strings.TrimSpace(name)})
	}
	return items, nil
}

func parseTime(flag, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s %q: %w", flag, raw, err)
	}
	return &t, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
