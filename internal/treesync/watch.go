package treesync

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/distrun/internal/logging"
)

// watchDebounce groups the bursts of events editors produce for one save.
const watchDebounce = 50 * time.Millisecond

// Change is a local modification below a root that was already shipped.
type Change struct {
	Root string
	// Path is slash-separated and relative to Root.
	Path string
}

// Watcher reports changes to shipped roots while a run is in progress.
// Remote workers keep running the copy they received, so anything reported
// here is not seen by them.
type Watcher struct {
	watcher *fsnotify.Watcher
	roots   []string
	matcher *Matcher
	logger  *logging.Logger

	mu       sync.Mutex
	changed  map[Change]bool
	onChange func([]Change)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewWatcher watches every directory below roots that the ignore patterns
// (plus DefaultIgnore) keep.
func NewWatcher(roots, ignore []string, logger *logging.Logger) (*Watcher, error) {
	matcher, err := NewMatcher(ignore)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	w := &Watcher{
		watcher: fw,
		roots:   append([]string(nil), roots...),
		matcher: matcher,
		logger:  logger,
		changed: make(map[Change]bool),
		stopCh:  make(chan struct{}),
	}
	for _, root := range roots {
		if err := w.watchTree(root, root); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}
	return w, nil
}

// OnChange sets a callback receiving each debounced batch of new changes.
func (w *Watcher) OnChange(fn func([]Change)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// Start begins processing filesystem events.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop ends watching. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
}

// Changed returns every distinct change seen so far, sorted.
func (w *Watcher) Changed() []Change {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Change, 0, len(w.changed))
	for c := range w.changed {
		out = append(out, c)
	}
	sortChanges(out)
	return out
}

// watchTree adds dir and its kept subdirectories.
func (w *Watcher) watchTree(root, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root {
			rel, _ := filepath.Rel(root, path)
			if w.matcher.Match(d.Name(), filepath.ToSlash(rel)) {
				return filepath.SkipDir
			}
		}
		return w.watcher.Add(path)
	})
}

// locate returns the root containing path and the path relative to it.
func (w *Watcher) locate(path string) (root, rel string, ok bool) {
	for _, r := range w.roots {
		if path == r || strings.HasPrefix(path, r+string(filepath.Separator)) {
			p, err := filepath.Rel(r, path)
			if err != nil || p == "." {
				return "", "", false
			}
			return r, filepath.ToSlash(p), true
		}
	}
	return "", "", false
}

func (w *Watcher) ignored(rel string) bool {
	parts := strings.Split(rel, "/")
	for i := range parts {
		if w.matcher.Match(parts[i], strings.Join(parts[:i+1], "/")) {
			return true
		}
	}
	return false
}

func (w *Watcher) loop() {
	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := make(map[Change]bool)

	for {
		select {
		case <-w.stopCh:
			timer.Stop()
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			root, rel, ok := w.locate(ev.Name)
			if !ok || w.ignored(rel) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				// New directories are watched too; the walk fails harmlessly
				// for files.
				_ = w.watchTree(root, ev.Name)
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending[Change{Root: root, Path: rel}] = true
			timer.Reset(watchDebounce)

		case <-timer.C:
			w.flush(pending)
			pending = make(map[Change]bool)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watching shipped roots", "error", err)
		}
	}
}

func (w *Watcher) flush(pending map[Change]bool) {
	w.mu.Lock()
	var fresh []Change
	for c := range pending {
		if !w.changed[c] {
			w.changed[c] = true
			fresh = append(fresh, c)
		}
	}
	cb := w.onChange
	w.mu.Unlock()

	if len(fresh) == 0 {
		return
	}
	sortChanges(fresh)
	for _, c := range fresh {
		w.logger.Warn("shipped file changed locally", "root", c.Root, "path", c.Path)
	}
	if cb != nil {
		cb(fresh)
	}
}

func sortChanges(cs []Change) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Root != cs[j].Root {
			return cs[i].Root < cs[j].Root
		}
		return cs[i].Path < cs[j].Path
	})
}
