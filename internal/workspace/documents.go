package workspace

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"agentdesk/pkg/logger"
)

// Documents tracks the last-modified time of project documents. Changes on
// disk are picked up through fsnotify; editor changes are reported with
// Touch.
type Documents struct {
	files   *Files
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	modified map[string]time.Time
	dirs     map[string]bool

	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

// NewDocuments creates a document store over files and starts watching.
func NewDocuments(files *Files) (*Documents, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	d := &Documents{
		files:    files,
		watcher:  w,
		modified: make(map[string]time.Time),
		dirs:     make(map[string]bool),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	go d.run()
	return d, nil
}

// Watch starts tracking a document. Its directory is watched, since editors
// often replace files instead of writing them in place.
func (d *Documents) Watch(path string) error {
	key, err := d.files.Rel(path)
	if err != nil {
		return err
	}
	abs, _ := d.files.ResolvePath(key)

	if info, err := d.files.Stat(key); err == nil {
		d.record(key, info.ModTime)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	dir := filepath.Dir(abs)
	d.mu.Lock()
	watched := d.dirs[dir]
	d.dirs[dir] = true
	d.mu.Unlock()
	if watched {
		return nil
	}
	if err := d.watcher.Add(dir); err != nil {
		d.mu.Lock()
		delete(d.dirs, dir)
		d.mu.Unlock()
		return err
	}
	return nil
}

// Touch records an in-editor modification of path.
func (d *Documents) Touch(path string) {
	key, err := d.files.Rel(path)
	if err != nil {
		return
	}
	d.record(key, d.clock())
}

// LastModified implements approval.DocumentStore. Untracked documents fall
// back to their modification time on disk.
func (d *Documents) LastModified(path string) (time.Time, bool) {
	key, err := d.files.Rel(path)
	if err != nil {
		return time.Time{}, false
	}

	d.mu.RLock()
	t, ok := d.modified[key]
	d.mu.RUnlock()
	if ok {
		return t, true
	}

	info, err := d.files.Stat(key)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime, true
}

// Close stops watching.
func (d *Documents) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.stopCh)
		err = d.watcher.Close()
		<-d.done
	})
	return err
}

func (d *Documents) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stopCh:
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				d.handleEvent(event.Name)
			}

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("document watcher error")
		}
	}
}

func (d *Documents) handleEvent(name string) {
	key, err := d.files.Rel(name)
	if err != nil {
		return
	}

	t := d.clock()
	if info, err := d.files.Stat(key); err == nil && info.ModTime.After(t) {
		t = info.ModTime
	}
	d.record(key, t)
	logger.Debug().Str("path", key).Msg("document changed")
}

func (d *Documents) clock() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.now()
}

// record keeps the latest time seen for key.
func (d *Documents) record(key string, t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.modified[key]; ok && !t.After(prev) {
		return
	}
	d.modified[key] = t
}
