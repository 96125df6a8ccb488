package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

const (
	approveSuffix = ".approve"
	denySuffix    = ".deny"
)

// FileChannel collects replies as files dropped into a directory:
// <request id>.approve or <request id>.deny.
type FileChannel struct {
	dir string
}

// NewFileChannel creates the reply directory if needed.
func NewFileChannel(dir string) (*FileChannel, error) {
	if dir == "" {
		return nil, errors.New("approval directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create approval directory %s: %w", dir, err)
	}
	return &FileChannel{dir: dir}, nil
}

func (c *FileChannel) Instructions(req Request) string {
	return fmt.Sprintf("Reply by creating %s or %s before %s.",
		filepath.Join(c.dir, req.ID+approveSuffix),
		filepath.Join(c.dir, req.ID+denySuffix),
		req.Deadline.UTC().Format("2006-01-02 15:04:05 UTC"))
}

// Await watches the directory until a reply for req appears or ctx ends.
func (c *FileChannel) Await(ctx context.Context, req Request) (bool, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(c.dir); err != nil {
		return false, fmt.Errorf("failed to watch directory %s: %w", c.dir, err)
	}

	// A reply may already be there.
	if approved, ok := c.check(req.ID); ok {
		return approved, nil
	}

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()

		case event, ok := <-w.Events:
			if !ok {
				return false, errors.New("approval watcher closed")
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(event.Name)
			if name != req.ID+approveSuffix && name != req.ID+denySuffix {
				continue
			}
			if approved, ok := c.check(req.ID); ok {
				return approved, nil
			}

		case err, ok := <-w.Errors:
			if !ok {
				return false, errors.New("approval watcher closed")
			}
			slog.Warn("Approval watcher error", "dir", c.dir, "error", err)
		}
	}
}

// check looks for a reply file and consumes it. Deny wins over approve.
func (c *FileChannel) check(id string) (approved bool, found bool) {
	deny := filepath.Join(c.dir, id+denySuffix)
	if _, err := os.Stat(deny); err == nil {
		_ = os.Remove(deny)
		_ = os.Remove(filepath.Join(c.dir, id+approveSuffix))
		return false, true
	}
	approve := filepath.Join(c.dir, id+approveSuffix)
	if _, err := os.Stat(approve); err == nil {
		_ = os.Remove(approve)
		return true, true
	}
	return false, false
}
