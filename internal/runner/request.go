package runner

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

// Normalize validates req and fills the defaults. Every error wraps
// backup.ErrInvalidRequest.
func Normalize(req backup.RunRequest) (backup.RunRequest, error) {
	if len(req.Selection) == 0 {
		return req, fmt.Errorf("%w: selection is empty", backup.ErrInvalidRequest)
	}
	for i, item := range req.Selection {
		if strings.TrimSpace(item.ID) == "" {
			return req, fmt.Errorf("%w: selection item %d has no id", backup.ErrInvalidRequest, i)
		}
	}
	var err error
	if req.Format, err = backup.ParseFormat(string(req.Format)); err != nil {
		return req, err
	}
	if req.Level, err = backup.ParseCompressionLevel(string(req.Level)); err != nil {
		return req, err
	}
	if req.Mode, err = backup.ParseMode(string(req.Mode)); err != nil {
		return req, err
	}
	if req.BackupType, err = backup.ParseBackupType(string(req.BackupType)); err != nil {
		return req, err
	}
	if req.Filter.MaxSizeBytes < 0 {
		return req, fmt.Errorf("%w: max size must not be negative", backup.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.BaseName) == "" {
		req.BaseName = req.Selection[0].Name
		if len(req.Selection) > 1 || req.BaseName == "" {
			req.BaseName = "backup"
		}
	}
	// A forced full run is planned as full from the start.
	if req.ForceFull != nil && *req.ForceFull {
		req.BackupType = backup.TypeFull
	}
	return req, nil
}
