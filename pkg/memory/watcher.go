package memory

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultWatchDebounce = 500 * time.Millisecond

// FileWatcher calls onDirty once a burst of markdown changes in the
// workspace has settled. It never reindexes by itself.
type FileWatcher struct {
	fsw     *fsnotify.Watcher
	logger  zerolog.Logger
	onDirty func()

	debounce chan time.Duration
	done     chan struct{}
	stopped  sync.WaitGroup
	stopOnce sync.Once
}

func NewFileWatcher(logger zerolog.Logger, onDirty func()) (*FileWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fw := &FileWatcher{
		fsw:      fsw,
		logger:   logger,
		onDirty:  onDirty,
		debounce: make(chan time.Duration),
		done:     make(chan struct{}),
	}
	fw.stopped.Add(1)
	go fw.loop()
	return fw, nil
}

// SetDebounce changes how long changes must settle before onDirty runs.
func (fw *FileWatcher) SetDebounce(d time.Duration) {
	select {
	case fw.debounce <- d:
	case <-fw.done:
	}
}

// WatchWorkspace watches the workspace root (for MEMORY.md) and every
// directory under memory/ except the index directory. Directories created
// later are picked up as they appear.
func (fw *FileWatcher) WatchWorkspace(workspace string) error {
	if err := fw.fsw.Add(workspace); err != nil {
		return err
	}
	return fw.addTree(filepath.Join(workspace, MemoryDirName))
}

func (fw *FileWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil
		case err != nil:
			return err
		case !d.IsDir():
			return nil
		case d.Name() == IndexDirName && filepath.Base(filepath.Dir(path)) == MemoryDirName:
			return filepath.SkipDir
		}
		return fw.fsw.Add(path)
	})
}

// Stop ends the event loop and releases the OS watches. A pending debounced
// callback is dropped.
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.done)
		err = fw.fsw.Close()
		fw.stopped.Wait()
	})
	return err
}

// loop owns the debounce timer; pending is non-nil while a callback is due.
func (fw *FileWatcher) loop() {
	defer fw.stopped.Done()

	wait := defaultWatchDebounce
	var timer *time.Timer
	var pending <-chan time.Time

	arm := func() {
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Stop()
			timer.Reset(wait)
		}
		pending = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-fw.done:
			return

		case d := <-fw.debounce:
			wait = d

		case ev, ok := <-fw.fsw.Events:
			if !ok {
				return
			}
			if fw.relevant(ev) {
				arm()
			}

		case err, ok := <-fw.fsw.Errors:
			if !ok {
				return
			}
			fw.logger.Error().Err(err).Msg("File watcher error")

		case <-pending:
			pending = nil
			fw.logger.Debug().Msg("Memory files changed, marking index dirty")
			fw.onDirty()
		}
	}
}

// relevant reports whether ev can change indexed content. New directories
// are watched on the spot; files may already sit inside them.
func (fw *FileWatcher) relevant(ev fsnotify.Event) bool {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := fw.addTree(ev.Name); err != nil {
				fw.logger.Warn().Err(err).Str("dir", ev.Name).Msg("Failed to watch new directory")
			}
			return true
		}
	}

	if !strings.EqualFold(filepath.Ext(ev.Name), ".md") {
		return false
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}

	fw.logger.Debug().Str("file", filepath.Base(ev.Name)).Str("op", ev.Op.String()).Msg("Memory file changed")
	return true
}
