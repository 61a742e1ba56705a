// Package retrieval grounds plan generation with nearest-neighbour command
// templates for the client's operating system.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var (
	// ErrInvalidTemplate indicates a template file entry is unusable.
	ErrInvalidTemplate = errors.New("invalid command template")

	// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
	ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")
)

// Template is one example command for a target OS and shell.
type Template struct {
	ID          string `toml:"id" json:"id"`
	Command     string `toml:"command" json:"cmd"`
	Description string `toml:"description" json:"description"`
	OS          string `toml:"os" json:"os"`
	Shell       string `toml:"shell" json:"shell"`
}

// embeddingText is what gets embedded for a template. Descriptions are the
// natural-language side that utterances resemble.
func (t Template) embeddingText() string {
	if d := strings.TrimSpace(t.Description); d != "" {
		return d
	}
	return t.Command
}

// termText is the text scored by the term-frequency fallback.
func (t Template) termText() string {
	return t.Command + " " + t.Description
}

// Builtins returns the default template library.
func Builtins() []Template {
	return []Template{
		{ID: "win.notepad", Command: "start notepad.exe", Description: "open notepad", OS: "Windows 11", Shell: "cmd"},
		{ID: "win.calc", Command: "start calc.exe", Description: "open calculator", OS: "Windows 11", Shell: "cmd"},
		{ID: "win.chrome", Command: "start chrome", Description: "open browser", OS: "Windows 11", Shell: "cmd"},
		{ID: "win.explorer", Command: "explorer", Description: "open file explorer", OS: "Windows 11", Shell: "cmd"},
		{ID: "win.dir", Command: "dir", Description: "list directory", OS: "Windows 11", Shell: "cmd"},
		{ID: "ubuntu.ls", Command: "ls -la", Description: "list directory in detail", OS: "Ubuntu 22.04", Shell: "bash"},
		{ID: "ubuntu.files", Command: "xdg-open .", Description: "open file manager", OS: "Ubuntu 22.04", Shell: "bash"},
		{ID: "ubuntu.chrome", Command: "google-chrome", Description: "open browser", OS: "Ubuntu 22.04", Shell: "bash"},
		{ID: "ubuntu.nano", Command: "nano", Description: "open text editor", OS: "Ubuntu 22.04", Shell: "bash"},
		{ID: "win.code", Command: "code", Description: "open VS Code", OS: "Windows 11", Shell: "cmd"},
	}
}

// sameOS compares OS labels case-insensitively.
func sameOS(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// LibraryConfig configures a template library.
type LibraryConfig struct {
	// Path is an optional TOML file of extra templates.
	Path string
	// IncludeBuiltins prepends Builtins to the file's templates.
	IncludeBuiltins bool
}

// Library is the ordered set of templates. Order is significant: it breaks
// similarity ties.
type Library struct {
	mu        sync.RWMutex
	templates []Template
	version   uint64

	cfg     LibraryConfig
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewLibrary creates a static library over templates.
func NewLibrary(templates []Template) *Library {
	return &Library{
		templates: append([]Template(nil), templates...),
		version:   1,
		logger:    zap.NewNop(),
		stop:      make(chan struct{}),
	}
}

// LoadLibrary builds a library from cfg, reading cfg.Path when set.
func LoadLibrary(cfg LibraryConfig, logger *zap.Logger) (*Library, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Library{cfg: cfg, logger: logger, stop: make(chan struct{})}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads the template file. On error the previous templates stay.
func (l *Library) Reload() error {
	var templates []Template
	if l.cfg.IncludeBuiltins || l.cfg.Path == "" {
		templates = append(templates, Builtins()...)
	}
	if l.cfg.Path != "" {
		fromFile, err := loadTemplateFile(l.cfg.Path)
		if err != nil {
			return err
		}
		templates = append(templates, fromFile...)
	}

	l.mu.Lock()
	l.templates = templates
	l.version++
	l.mu.Unlock()

	l.logger.Info("template library loaded",
		zap.String("path", l.cfg.Path),
		zap.Int("templates", len(templates)))
	return nil
}

func loadTemplateFile(path string) ([]Template, error) {
	var file struct {
		Template []Template `toml:"template"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("decoding template file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Template))
	out := make([]Template, 0, len(file.Template))
	for i, t := range file.Template {
		if strings.TrimSpace(t.Command) == "" || strings.TrimSpace(t.OS) == "" {
			return nil, fmt.Errorf("%w: entry %d in %s needs command and os", ErrInvalidTemplate, i, path)
		}
		if t.ID == "" {
			t.ID = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(t.OS), " ", "-")) + "." + strings.TrimSpace(t.Command)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("%w: duplicate id %q in %s", ErrInvalidTemplate, t.ID, path)
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out, nil
}

// Templates returns a copy of the library in order.
func (l *Library) Templates() []Template {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Template(nil), l.templates...)
}

// ForOS returns the templates targeting osName, in library order, and the
// library version they were read at.
func (l *Library) ForOS(osName string) ([]Template, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Template
	for _, t := range l.templates {
		if sameOS(t.OS, osName) {
			out = append(out, t)
		}
	}
	return out, l.version
}

// Version increments on every successful reload.
func (l *Library) Version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

// Watch reloads the template file whenever it is written or replaced.
// The parent directory is watched so editors that rename-over still trigger.
func (l *Library) Watch(ctx context.Context) error {
	if l.cfg.Path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	dir := filepath.Dir(l.cfg.Path)
	if _, err := os.Stat(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	l.watcher = watcher
	go l.processEvents(ctx)
	return nil
}

func (l *Library) processEvents(ctx context.Context) {
	target := filepath.Clean(l.cfg.Path)
	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := l.Reload(); err != nil {
				l.logger.Warn("template reload failed, keeping previous library", zap.Error(err))
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("template watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher, if any.
func (l *Library) Close() {
	select {
	case <-l.stop:
		return
	default:
		close(l.stop)
		if l.watcher != nil {
			_ = l.watcher.Close()
		}
	}
}
