package crawler

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/JakeFAU/drive-backup/internal/backup"
	"github.com/JakeFAU/drive-backup/internal/pool"
	"github.com/JakeFAU/drive-backup/internal/progress"
)

// DefaultPageSize is the number of children requested per listing page.
const DefaultPageSize = 1000

// Remote is the subset of the remote store the crawler needs.
type Remote interface {
	ListChildren(ctx context.Context, folderID, pageToken string, pageSize int) (backup.ListPage, error)
	GetMetadata(ctx context.Context, id string) (backup.RemoteItem, error)
}

// Reporter receives progress and gates every blocking call.
type Reporter interface {
	Checkpoint(ctx context.Context) error
	Report(d progress.Delta)
}

// Options tunes a Crawler.
type Options struct {
	PageSize int
	Logger   *zap.Logger
}

// Crawler enumerates selections into file descriptors.
type Crawler struct {
	remote   Remote
	pool     *pool.Pool
	pageSize int
	logger   *zap.Logger
}

// New builds a crawler that expands folders on p.
func New(remote Remote, p *pool.Pool, opts Options) *Crawler {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Crawler{
		remote:   remote,
		pool:     p,
		pageSize: opts.PageSize,
		logger:   opts.Logger.Named("crawler"),
	}
}

type folderTask struct {
	id   string
	path string
}

// Crawl maps the whole selection. Folders are expanded breadth first, one
// pool task per folder; this goroutine waits on the tasks and resubmits the
// subfolders they return until none are outstanding. Per-item failures are
// reported and skipped; cancellation aborts the crawl.
func (c *Crawler) Crawl(ctx context.Context, items []backup.SelectionItem, filter backup.Filter, rep Reporter) ([]backup.FileDescriptor, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := newState(filter, nil)
	roots, err := c.resolveRoots(ctx, items, st, rep)
	if err != nil {
		return nil, err
	}

	var pending []*pool.Future[[]folderTask]
	submit := func(task folderTask) error {
		fut, err := pool.Submit(ctx, c.pool, func(ctx context.Context) ([]folderTask, error) {
			return c.expand(ctx, task, st, rep)
		})
		if err != nil {
			return canceled(err)
		}
		pending = append(pending, fut)
		return nil
	}
	for _, task := range roots {
		if err := submit(task); err != nil {
			return nil, err
		}
	}
	for len(pending) > 0 {
		fut := pending[0]
		pending = pending[1:]
		subs, err := fut.Wait(ctx)
		if err != nil {
			if isCanceled(ctx, err) {
				return nil, canceled(err)
			}
			return nil, fmt.Errorf("expand folder: %w", err)
		}
		for _, sub := range subs {
			if err := submit(sub); err != nil {
				return nil, err
			}
		}
	}

	files := st.result()
	sort.Slice(files, func(i, j int) bool {
		if files[i].RelativePath != files[j].RelativePath {
			return files[i].RelativePath < files[j].RelativePath
		}
		return files[i].RemoteID < files[j].RemoteID
	})
	c.logger.Debug("crawl finished", zap.Int("files", len(files)))
	return files, nil
}

// Walk is the single-goroutine depth-first variant used while downloading
// concurrently. visit is called for every accepted file as soon as it is
// found; an error from visit stops the walk.
func (c *Crawler) Walk(ctx context.Context, items []backup.SelectionItem, filter backup.Filter, rep Reporter, visit func(ctx context.Context, fd backup.FileDescriptor) error) error {
	st := newState(filter, visit)
	stack, err := c.resolveRoots(ctx, items, st, rep)
	if err != nil {
		return err
	}
	if err := st.drain(ctx); err != nil {
		return err
	}
	// Reverse so the first selected folder is walked first.
	for i, j := 0, len(stack)-1; i < j; i, j = i+1, j-1 {
		stack[i], stack[j] = stack[j], stack[i]
	}
	for len(stack) > 0 {
		task := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		subs, err := c.expand(ctx, task, st, rep)
		if err != nil {
			return err
		}
		if err := st.drain(ctx); err != nil {
			return err
		}
		for i := len(subs) - 1; i >= 0; i-- {
			stack = append(stack, subs[i])
		}
	}
	return nil
}

// resolveRoots classifies the selection: files are offered to st directly,
// folders are returned as the first expansion tasks.
func (c *Crawler) resolveRoots(ctx context.Context, items []backup.SelectionItem, st *state, rep Reporter) ([]folderTask, error) {
	var roots []folderTask
	for _, sel := range items {
		if err := rep.Checkpoint(ctx); err != nil {
			return nil, canceled(err)
		}
		item, err := c.remote.GetMetadata(ctx, sel.ID)
		if err == nil {
			item, err = c.resolveShortcut(ctx, item)
		}
		if err != nil {
			if isCanceled(ctx, err) {
				return nil, canceled(err)
			}
			c.itemFailed(rep, sel.Name, err)
			continue
		}
		if item.Trashed {
			continue
		}
		name := sel.Name
		if name == "" {
			name = item.Name
		}
		name = escapeSegment(name)
		if item.IsFolder() {
			if st.visitFolder(item.ID) {
				roots = append(roots, folderTask{id: item.ID, path: name})
			}
			continue
		}
		st.offer(describe(item, name))
	}
	c.reportFound(st, rep)
	return roots, nil
}

// expand lists one folder page by page and returns its subfolders.
func (c *Crawler) expand(ctx context.Context, task folderTask, st *state, rep Reporter) ([]folderTask, error) {
	var subs []folderTask
	token := ""
	for {
		if err := rep.Checkpoint(ctx); err != nil {
			return nil, canceled(err)
		}
		page, err := c.remote.ListChildren(ctx, task.id, token, c.pageSize)
		if err != nil {
			if isCanceled(ctx, err) {
				return nil, canceled(err)
			}
			c.itemFailed(rep, task.path, err)
			return subs, nil
		}
		for _, child := range page.Items {
			if child.Trashed {
				continue
			}
			resolved, err := c.resolveShortcut(ctx, child)
			if err != nil {
				if isCanceled(ctx, err) {
					return nil, canceled(err)
				}
				c.itemFailed(rep, path.Join(task.path, child.Name), err)
				continue
			}
			if resolved.Trashed {
				continue
			}
			childPath := path.Join(task.path, escapeSegment(child.Name))
			if resolved.IsFolder() {
				if st.visitFolder(resolved.ID) {
					subs = append(subs, folderTask{id: resolved.ID, path: childPath})
				}
				continue
			}
			st.offer(describe(resolved, childPath))
		}
		c.reportFound(st, rep)
		if page.NextPageToken == "" {
			return subs, nil
		}
		token = page.NextPageToken
	}
}

// resolveShortcut replaces an alias with its target. Folder targets need no
// extra call; file targets are fetched for their size and times.
func (c *Crawler) resolveShortcut(ctx context.Context, item backup.RemoteItem) (backup.RemoteItem, error) {
	if !item.IsShortcut() {
		return item, nil
	}
	if item.ShortcutTargetID == "" {
		return backup.RemoteItem{}, fmt.Errorf("shortcut %s has no target", item.ID)
	}
	if item.ShortcutTargetMimeType == backup.MimeFolder {
		return backup.RemoteItem{ID: item.ShortcutTargetID, Name: item.Name, MimeType: backup.MimeFolder}, nil
	}
	target, err := c.remote.GetMetadata(ctx, item.ShortcutTargetID)
	if err != nil {
		return backup.RemoteItem{}, fmt.Errorf("resolve shortcut %s: %w", item.ID, err)
	}
	if target.IsShortcut() {
		return backup.RemoteItem{}, fmt.Errorf("shortcut %s points at another shortcut", item.ID)
	}
	return target, nil
}

func (c *Crawler) itemFailed(rep Reporter, where string, err error) {
	c.logger.Warn("skipping item", zap.String("path", where), zap.Error(err))
	rep.Report(progress.Failure(fmt.Sprintf("%s: %v", where, err)))
}

func (c *Crawler) reportFound(st *state, rep Reporter) {
	files, bytes := st.takeNew()
	if files == 0 {
		return
	}
	totalFiles, totalBytes := st.totals()
	rep.Report(progress.Delta{
		FilesFound: files,
		BytesFound: bytes,
		Message:    fmt.Sprintf("found %d files (%s)", totalFiles, humanize.IBytes(uint64(totalBytes))),
	})
}

func describe(item backup.RemoteItem, relPath string) backup.FileDescriptor {
	return backup.FileDescriptor{
		RemoteID:     item.ID,
		Name:         item.Name,
		MimeType:     item.MimeType,
		RelativePath: relPath,
		SizeBytes:    item.Size,
		ModifiedTime: item.ModifiedTime,
		CreatedTime:  item.CreatedTime,
	}
}

// escapeSegment keeps a remote name from introducing path separators.
func escapeSegment(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}

func isCanceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, backup.ErrCanceled) || errors.Is(err, context.Canceled)
}

func canceled(err error) error {
	if errors.Is(err, backup.ErrCanceled) {
		return err
	}
	return fmt.Errorf("%w: %w", backup.ErrCanceled, err)
}

// state is the shared result of one crawl.
type state struct {
	filter backup.Filter
	visit  func(ctx context.Context, fd backup.FileDescriptor) error

	mu          sync.Mutex
	files       []backup.FileDescriptor
	queued      []backup.FileDescriptor
	seenFiles   map[string]struct{}
	seenFolders map[string]struct{}
	newFiles    int
	newBytes    int64
	allFiles    int
	allBytes    int64
}

func newState(filter backup.Filter, visit func(ctx context.Context, fd backup.FileDescriptor) error) *state {
	return &state{
		filter:      filter,
		visit:       visit,
		seenFiles:   make(map[string]struct{}),
		seenFolders: make(map[string]struct{}),
	}
}

// offer records fd when it is new and passes the filter.
func (s *state) offer(fd backup.FileDescriptor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seenFiles[fd.RemoteID]; ok {
		return false
	}
	s.seenFiles[fd.RemoteID] = struct{}{}
	if !s.filter.Allows(fd) {
		return false
	}
	if s.visit != nil {
		s.queued = append(s.queued, fd)
	} else {
		s.files = append(s.files, fd)
	}
	s.newFiles++
	s.newBytes += fd.SizeBytes
	s.allFiles++
	s.allBytes += fd.SizeBytes
	return true
}

// drain hands queued files to the visit callback outside the lock.
func (s *state) drain(ctx context.Context) error {
	s.mu.Lock()
	queued := s.queued
	s.queued = nil
	s.mu.Unlock()
	for _, fd := range queued {
		if err := s.visit(ctx, fd); err != nil {
			return err
		}
	}
	return nil
}

func (s *state) visitFolder(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seenFolders[id]; ok {
		return false
	}
	s.seenFolders[id] = struct{}{}
	return true
}

func (s *state) takeNew() (int, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, bytes := s.newFiles, s.newBytes
	s.newFiles, s.newBytes = 0, 0
	return files, bytes
}

func (s *state) totals() (int, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allFiles, s.allBytes
}

func (s *state) result() []backup.FileDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backup.FileDescriptor(nil), s.files...)
}
