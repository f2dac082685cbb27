// Package watcher reports changed files below a set of directories.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
)

// Start a watcher with the provided options.
func Start(options ...Option) (Interface, error) {
	wr := &watcher{}
	for _, option := range options {
		err := option(wr)
		if err != nil {
			return nil, err
		}
	}
	err := wr.start()
	if err != nil {
		return nil, err
	}
	return wr, nil
}

// An Option is a function that can manipulate a watcher during construction
type Option func(*watcher) error

// Include specifies one or more file patterns to include in the watch.  Patterns are matched against the full path and
// against the base name.  If no patterns are specified, every file is included.
func Include(patterns ...string) Option {
	return func(wr *watcher) (err error) {
		wr.includes, err = appendPatterns(wr.includes, patterns...)
		return
	}
}

// Exclude specifies one or more file patterns to exclude from the watch.  Directories matching an exclude pattern are
// not descended into.  If no patterns are specified, only names starting with a dot are excluded.  If a file matches
// both an include and an exclude pattern, it is excluded.
func Exclude(patterns ...string) Option {
	return func(wr *watcher) (err error) {
		wr.excludes, err = appendPatterns(wr.excludes, patterns...)
		return
	}
}

func appendPatterns(seq []glob.Glob, patterns ...string) ([]glob.Glob, error) {
	for _, pattern := range patterns {
		rx, err := glob.Compile(pattern, filepath.Separator)
		if err != nil {
			return nil, fmt.Errorf(`%w in %q`, err, pattern)
		}
		seq = append(seq, rx)
	}
	return seq, nil
}

// Directory specifies one or more directories to watch recursively.
// If no directories are specified, the current working directory is watched.
func Directory(paths ...string) Option {
	return func(wr *watcher) error {
		wr.directories = append(wr.directories, paths...)
		return nil
	}
}

// OnChange sets the function called with the absolute path of every changed file.  It is called from the watcher's
// goroutine and should not block.
func OnChange(fn func(path string)) Option {
	return func(wr *watcher) error {
		wr.onChange = fn
		return nil
	}
}

// Interface describes the watcher interface
type Interface interface {
	Shutdown()
}

type watcher struct {
	includes    []glob.Glob
	excludes    []glob.Glob
	directories []string
	onChange    func(string)

	fsnotify   *fsnotify.Watcher
	shutdownCh chan struct{} // sent when the watcher should shut down
	doneCh     chan struct{} // closed when the watcher is done
}

func (wr *watcher) start() (err error) {
	if wr.onChange == nil {
		return fmt.Errorf(`watcher: no change handler`)
	}
	wr.fsnotify, err = fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if len(wr.directories) == 0 {
		wr.directories = []string{`.`}
	}
	if len(wr.excludes) == 0 {
		wr.excludes = []glob.Glob{glob.MustCompile(`.*`, filepath.Separator)}
	}
	for _, dir := range wr.directories {
		dir, err := filepath.Abs(dir)
		if err != nil {
			wr.fsnotify.Close()
			return err
		}
		err = filepath.WalkDir(dir, func(path string, info fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return nil
			}
			if path != dir && wr.excluded(path) {
				return filepath.SkipDir
			}
			return wr.fsnotify.Add(path)
		})
		if err != nil {
			wr.fsnotify.Close()
			return err
		}
	}
	wr.shutdownCh = make(chan struct{})
	wr.doneCh = make(chan struct{})
	go wr.process()
	return nil
}

func (wr *watcher) Shutdown() {
	select {
	case wr.shutdownCh <- struct{}{}:
	case <-wr.doneCh:
	}
}

func (wr *watcher) process() {
	defer wr.fsnotify.Close()
	for {
		select {
		case <-wr.shutdownCh:
			close(wr.doneCh)
			return
		case event, ok := <-wr.fsnotify.Events:
			if !ok {
				close(wr.doneCh)
				return
			}
			wr.processNotification(event)
		case <-wr.fsnotify.Errors:
		}
	}
}

func (wr *watcher) processNotification(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if !wr.excluded(event.Name) {
				_ = wr.fsnotify.Add(event.Name)
			}
			return // creating a new directory should not issue an alert, but we should watch it
		}
		wr.issueAlert(event.Name) // editors often replace files instead of writing them
		return
	}

	if event.Has(fsnotify.Write) {
		wr.issueAlert(event.Name)
	} else if event.Has(fsnotify.Remove) {
		_ = wr.fsnotify.Remove(event.Name)
		wr.issueAlert(event.Name)
	} else if event.Has(fsnotify.Rename) {
		wr.issueAlert(event.Name)
	}
}

func (wr *watcher) issueAlert(name string) {
	if !wr.shouldInclude(name) {
		return
	}
	wr.onChange(name)
}

func (wr *watcher) shouldInclude(name string) bool {
	included := len(wr.includes) == 0
	for _, rx := range wr.includes {
		if match(rx, name) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	return !wr.excluded(name)
}

func (wr *watcher) excluded(name string) bool {
	for _, rx := range wr.excludes {
		if match(rx, name) {
			return true
		}
	}
	return false
}

func match(rx glob.Glob, name string) bool {
	return rx.Match(name) || rx.Match(filepath.Base(name))
}

// TODO: a renamed directory keeps its old watch; the new name is only picked up if it is created anew.
