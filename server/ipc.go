package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/hrygo/microclaw/store"
)

// maxDropParseAttempts bounds how often an unparseable drop file is retried
// before it is discarded as malformed.
const maxDropParseAttempts = 3

// ipcWatcher consumes registry drop files: `register-<id>.json` holds a
// groupRegistration payload, `unregister-<id>.json` holds at least a jid.
// A drop file is removed once its payload parsed, whether the mutation
// applied or not. A file that does not parse is left in place: the Create
// event can fire while the writer is still filling the file, and deleting
// it at that point races the write. The later Write event retries it; only
// a file that stays unparseable across several attempts is discarded.
type ipcWatcher struct {
	dir        string
	store      *store.Store
	mainFolder string

	watcher *fsnotify.Watcher
	done    chan struct{}

	// attempts counts parse failures per path. Only touched from the
	// single goroutine that calls handleDrop.
	attempts map[string]int
}

func newIPCWatcher(dir string, st *store.Store, mainFolder string) *ipcWatcher {
	return &ipcWatcher{
		dir:        dir,
		store:      st,
		mainFolder: mainFolder,
		done:       make(chan struct{}),
		attempts:   make(map[string]int),
	}
}

// Start watches the drop directory and first drains any files left from a
// previous run.
func (w *ipcWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return err
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		_ = watcher.Close()
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.handleDrop(ctx, filepath.Join(w.dir, entry.Name()))
		}
	}

	w.watcher = watcher
	go w.loop(ctx)
	return nil
}

func (w *ipcWatcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Writers create then fill the file; react to both and tolerate
			// a partial read, the Write event retries it.
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.handleDrop(ctx, event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("ipc: watch error", "error", err)
		}
	}
}

func (w *ipcWatcher) handleDrop(ctx context.Context, path string) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".json") {
		return
	}
	isRegister := strings.HasPrefix(name, "register-")
	isUnregister := strings.HasPrefix(name, "unregister-")
	if !isRegister && !isUnregister {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("ipc: drop file unreadable", "file", name, "error", err)
		}
		return
	}
	var reg groupRegistration
	if err := json.Unmarshal(data, &reg); err != nil {
		w.attempts[path]++
		if w.attempts[path] >= maxDropParseAttempts {
			slog.Warn("ipc: malformed drop file, giving up", "file", name, "attempts", w.attempts[path], "error", err)
			delete(w.attempts, path)
			w.remove(path)
			return
		}
		slog.Debug("ipc: drop file not parseable yet", "file", name, "attempt", w.attempts[path], "error", err)
		return
	}
	delete(w.attempts, path)

	if isRegister {
		if _, err := applyRegistration(ctx, w.store, w.mainFolder, &reg); err != nil {
			slog.Warn("ipc: registration rejected", "file", name, "jid", reg.JID, "error", err)
		} else {
			slog.Info("ipc: group registered", "jid", reg.JID, "folder", reg.Folder)
		}
	} else {
		if reg.JID == "" {
			slog.Warn("ipc: unregister drop without jid", "file", name)
		} else if err := w.store.DeleteRegisteredGroup(ctx, reg.JID); err != nil {
			slog.Warn("ipc: unregister failed", "file", name, "jid", reg.JID, "error", err)
		} else {
			slog.Info("ipc: group unregistered", "jid", reg.JID)
		}
	}
	w.remove(path)
}

func (w *ipcWatcher) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("ipc: drop file not removed", "file", filepath.Base(path), "error", err)
	}
}

// Close stops the watcher. Safe to call when Start failed or never ran.
func (w *ipcWatcher) Close() {
	if w.watcher != nil {
		_ = w.watcher.Close()
		<-w.done
	}
}
