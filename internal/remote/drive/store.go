// Package drive implements backup.RemoteStore on the Google Drive v3 API.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

const itemFields = "id,name,mimeType,size,modifiedTime,createdTime,md5Checksum,trashed,shortcutDetails"

// Options configures how the Drive service authenticates.
type Options struct {
	// CredentialsFile is a service account or authorized user JSON file.
	CredentialsFile string
	// HTTPClient overrides transport and auth entirely, e.g. an oauth2 client.
	HTTPClient *http.Client
	// Endpoint overrides the API base URL.
	Endpoint string
}

// Store talks to Drive. It is safe for concurrent use.
type Store struct {
	svc *drive.Service
}

// New builds a Drive-backed store.
func New(ctx context.Context, opts Options) (*Store, error) {
	var clientOpts []option.ClientOption
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	} else if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	clientOpts = append(clientOpts, option.WithScopes(drive.DriveReadonlyScope))
	svc, err := drive.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return &Store{svc: svc}, nil
}

// ListChildren lists one page of non-trashed children of folderID.
func (s *Store) ListChildren(ctx context.Context, folderID, pageToken string, pageSize int) (backup.ListPage, error) {
	call := s.svc.Files.List().
		Q(fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(folderID))).
		Fields(googleapi.Field("nextPageToken,files(" + itemFields + ")")).
		PageSize(int64(pageSize)).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	list, err := call.Do()
	if err != nil {
		return backup.ListPage{}, mapError("list_children", err)
	}
	page := backup.ListPage{
		Items:         make([]backup.RemoteItem, 0, len(list.Files)),
		NextPageToken: list.NextPageToken,
	}
	for _, f := range list.Files {
		page.Items = append(page.Items, toItem(f))
	}
	return page, nil
}

// GetMetadata fetches a single file or folder.
func (s *Store) GetMetadata(ctx context.Context, id string) (backup.RemoteItem, error) {
	f, err := s.svc.Files.Get(id).
		Fields(googleapi.Field(itemFields)).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return backup.RemoteItem{}, mapError("get_metadata", err)
	}
	return toItem(f), nil
}

// Download streams file content starting at offset using an HTTP Range request.
func (s *Store) Download(ctx context.Context, id string, offset int64) (io.ReadCloser, error) {
	call := s.svc.Files.Get(id).SupportsAllDrives(true).AcknowledgeAbuse(false).Context(ctx)
	if offset > 0 {
		call.Header().Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := call.Download()
	if err != nil {
		return nil, mapError("download", err)
	}
	return resp.Body, nil
}

// Export converts a native document to mimeType.
func (s *Store) Export(ctx context.Context, id, mimeType string) (io.ReadCloser, error) {
	resp, err := s.svc.Files.Export(id, mimeType).Context(ctx).Download()
	if err != nil {
		return nil, mapError("export", err)
	}
	return resp.Body, nil
}

func toItem(f *drive.File) backup.RemoteItem {
	item := backup.RemoteItem{
		ID:           f.Id,
		Name:         f.Name,
		MimeType:     f.MimeType,
		Size:         f.Size,
		Checksum:     f.Md5Checksum,
		Trashed:      f.Trashed,
		ModifiedTime: parseTime(f.ModifiedTime),
		CreatedTime:  parseTime(f.CreatedTime),
	}
	if f.ShortcutDetails != nil {
		item.ShortcutTargetID = f.ShortcutDetails.TargetId
		item.ShortcutTargetMimeType = f.ShortcutDetails.TargetMimeType
	}
	return item
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func escapeQuery(id string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(id)
}

func mapError(op string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("drive %s: %w", op, err)
	}
	if gerr.Code == http.StatusNotFound {
		return backup.NewRemoteError(op, gerr.Code, fmt.Errorf("%w: %w", backup.ErrNotFound, err))
	}
	return backup.NewRemoteError(op, gerr.Code, err)
}
