// Package memory provides an in-memory remote store with fault injection.
// Tests use it to exercise retries and cancellation; the CLI uses it for demo
// runs without credentials.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

// Operation names accepted by Fail and reported by Calls.
const (
	OpList     = "list_children"
	OpMetadata = "get_metadata"
	OpDownload = "download"
	OpExport   = "export"
)

// RootID is the folder every demo tree hangs from.
const RootID = "root"

type faultKey struct {
	op string
	id string
}

type fault struct {
	err       error
	remaining int
}

type interrupt struct {
	after     int64
	remaining int
}

// Store is a goroutine-safe fake of the remote store.
type Store struct {
	mu         sync.Mutex
	items      map[string]backup.RemoteItem
	children   map[string][]string
	content    map[string][]byte
	faults     map[faultKey]*fault
	interrupts map[string]*interrupt
	calls      map[string]int
	latency    time.Duration
	hook       func(op, id string)
}

// New returns an empty store containing only the root folder.
func New() *Store {
	s := &Store{
		items:      make(map[string]backup.RemoteItem),
		children:   make(map[string][]string),
		content:    make(map[string][]byte),
		faults:     make(map[faultKey]*fault),
		interrupts: make(map[string]*interrupt),
		calls:      make(map[string]int),
	}
	s.items[RootID] = backup.RemoteItem{ID: RootID, Name: "My Drive", MimeType: backup.MimeFolder}
	return s
}

// AddFolder creates a folder under parentID.
func (s *Store) AddFolder(parentID, id, name string) {
	s.put(parentID, backup.RemoteItem{ID: id, Name: name, MimeType: backup.MimeFolder}, nil)
}

// AddFile creates a file under parentID. Size is taken from content when unset.
func (s *Store) AddFile(parentID string, item backup.RemoteItem, content []byte) {
	if item.Size == 0 {
		item.Size = int64(len(content))
	}
	if item.MimeType == "" {
		item.MimeType = "application/octet-stream"
	}
	s.put(parentID, item, content)
}

// AddShortcut creates an alias under parentID pointing at targetID.
func (s *Store) AddShortcut(parentID, id, name, targetID string) {
	s.mu.Lock()
	target := s.items[targetID]
	s.mu.Unlock()
	s.put(parentID, backup.RemoteItem{
		ID:                     id,
		Name:                   name,
		MimeType:               backup.MimeShortcut,
		ShortcutTargetID:       targetID,
		ShortcutTargetMimeType: target.MimeType,
	}, nil)
}

// Link adds an existing item as a child of another folder as well.
func (s *Store) Link(parentID, childID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[parentID] = append(s.children[parentID], childID)
}

// Touch updates an item's modification time and optionally its content.
func (s *Store) Touch(id string, modified time.Time, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.items[id]
	item.ModifiedTime = modified
	if content != nil {
		s.content[id] = content
		item.Size = int64(len(content))
	}
	s.items[id] = item
}

// Trash marks an item as trashed.
func (s *Store) Trash(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.items[id]
	item.Trashed = true
	s.items[id] = item
}

func (s *Store) put(parentID string, item backup.RemoteItem, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	if content != nil {
		s.content[item.ID] = content
	}
	if parentID != "" {
		s.children[parentID] = append(s.children[parentID], item.ID)
	}
}

// Fail makes the next times calls of op on id return err. An empty id
// matches every item.
func (s *Store) Fail(op, id string, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[faultKey{op: op, id: id}] = &fault{err: err, remaining: times}
}

// Interrupt makes the next times download streams of id break with
// io.ErrUnexpectedEOF after delivering after bytes.
func (s *Store) Interrupt(id string, after int64, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts[id] = &interrupt{after: after, remaining: times}
}

// SetLatency delays every call by d.
func (s *Store) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// SetHook registers a callback invoked at the start of every call.
func (s *Store) SetHook(fn func(op, id string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Store) enter(ctx context.Context, op, id string) error {
	s.mu.Lock()
	s.calls[op]++
	latency := s.latency
	hook := s.hook
	var injected error
	for _, key := range []faultKey{{op: op, id: id}, {op: op}} {
		if f, ok := s.faults[key]; ok && f.remaining > 0 {
			f.remaining--
			injected = f.err
			break
		}
	}
	s.mu.Unlock()

	if hook != nil {
		hook(op, id)
	}
	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return injected
}

// ListChildren returns direct children ordered by name. Page tokens are
// decimal offsets.
func (s *Store) ListChildren(ctx context.Context, folderID, pageToken string, pageSize int) (backup.ListPage, error) {
	if err := s.enter(ctx, OpList, folderID); err != nil {
		return backup.ListPage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	folder, ok := s.items[folderID]
	if !ok || !folder.IsFolder() {
		return backup.ListPage{}, backup.NewRemoteError(OpList, 404, fmt.Errorf("folder %s: %w", folderID, backup.ErrNotFound))
	}
	ids := append([]string(nil), s.children[folderID]...)
	sort.SliceStable(ids, func(i, j int) bool { return s.items[ids[i]].Name < s.items[ids[j]].Name })

	start := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 || n > len(ids) {
			return backup.ListPage{}, backup.NewRemoteError(OpList, 400, fmt.Errorf("bad page token %q", pageToken))
		}
		start = n
	}
	if pageSize <= 0 {
		pageSize = 1000
	}
	end := min(start+pageSize, len(ids))
	page := backup.ListPage{Items: make([]backup.RemoteItem, 0, end-start)}
	for _, id := range ids[start:end] {
		page.Items = append(page.Items, s.items[id])
	}
	if end < len(ids) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

// GetMetadata returns one item.
func (s *Store) GetMetadata(ctx context.Context, id string) (backup.RemoteItem, error) {
	if err := s.enter(ctx, OpMetadata, id); err != nil {
		return backup.RemoteItem{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return backup.RemoteItem{}, backup.NewRemoteError(OpMetadata, 404, fmt.Errorf("item %s: %w", id, backup.ErrNotFound))
	}
	return item, nil
}

// Download streams content from offset.
func (s *Store) Download(ctx context.Context, id string, offset int64) (io.ReadCloser, error) {
	if err := s.enter(ctx, OpDownload, id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, backup.NewRemoteError(OpDownload, 404, fmt.Errorf("item %s: %w", id, backup.ErrNotFound))
	}
	if backup.IsNative(item.MimeType) || item.IsFolder() {
		return nil, backup.NewRemoteError(OpDownload, 400, fmt.Errorf("item %s is not downloadable", id))
	}
	data := s.content[id]
	if offset > int64(len(data)) {
		return nil, backup.NewRemoteError(OpDownload, 416, fmt.Errorf("offset %d beyond size %d", offset, len(data)))
	}
	var r io.Reader = bytes.NewReader(data[offset:])
	if in, ok := s.interrupts[id]; ok && in.remaining > 0 {
		in.remaining--
		r = &breakingReader{r: r, left: max(in.after-offset, 0)}
	}
	return io.NopCloser(r), nil
}

// Export streams the stored content of a native document.
func (s *Store) Export(ctx context.Context, id, mimeType string) (io.ReadCloser, error) {
	if err := s.enter(ctx, OpExport, id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, backup.NewRemoteError(OpExport, 404, fmt.Errorf("item %s: %w", id, backup.ErrNotFound))
	}
	if !backup.IsNative(item.MimeType) {
		return nil, backup.NewRemoteError(OpExport, 400, fmt.Errorf("item %s cannot be exported as %s", id, mimeType))
	}
	return io.NopCloser(bytes.NewReader(s.content[id])), nil
}

type breakingReader struct {
	r    io.Reader
	left int64
}

func (b *breakingReader) Read(p []byte) (int, error) {
	if b.left <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if int64(len(p)) > b.left {
		p = p[:b.left]
	}
	n, err := b.r.Read(p)
	b.left -= int64(n)
	if err == io.EOF {
		return n, io.EOF
	}
	return n, err
}
