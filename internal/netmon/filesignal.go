package netmon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// FileSignal reads connectivity from a small text file, typically written
// by a network manager dispatcher hook. The file holds "online" or
// "offline". A missing file means online.
type FileSignal struct {
	Path   string
	Logger *slog.Logger
}

// Name implements Source.
func (f *FileSignal) Name() string {
	return "file-signal"
}

// Watch implements Source. The parent directory is watched rather than the
// file so atomic rename-over writes are seen.
func (f *FileSignal) Watch(ctx context.Context, report func(online bool)) error {
	if f.Path == "" {
		return fmt.Errorf("signal file path is empty")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(f.Path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	f.read(report)

	target := filepath.Clean(f.Path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != target {
				continue
			}

			f.read(report)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			f.logger().Warn("signal watcher error", slog.String("error", err.Error()))
		}
	}
}

func (f *FileSignal) read(report func(online bool)) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		report(true)
		return
	}

	if err != nil {
		f.logger().Warn("reading signal file", slog.String("error", err.Error()))
		return
	}

	online, ok := ParseSignal(string(data))
	if !ok {
		f.logger().Warn("unrecognized connectivity signal", slog.String("value", strings.TrimSpace(string(data))))
		return
	}

	report(online)
}

func (f *FileSignal) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}

	return f.Logger
}

// ParseSignal interprets a connectivity word. Unknown values return
// ok=false.
func ParseSignal(s string) (online, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online", "up", "connected", "1":
		return true, true
	case "offline", "down", "disconnected", "0":
		return false, true
	}

	return false, false
}
