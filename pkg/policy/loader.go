package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader loads operator Rego rules from the filesystem and keeps an
// Enforcer's rule set current when files change.
type Loader struct {
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
}

// NewLoader creates a rule loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// Load compiles every .rego file under the given paths. A path may be a
// file or a directory; directories are walked recursively. A file that
// fails to compile is skipped with a warning so one broken rule does not
// take down the rest.
func (l *Loader) Load(ctx context.Context, paths []string) ([]*Rule, error) {
	var rules []*Rule

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat rule path %s: %w", path, err)
		}

		if !info.IsDir() {
			rule, err := l.loadFile(path)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
			continue
		}

		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(p, ".rego") {
				return nil
			}
			rule, err := l.loadFile(p)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", p).Msg("skipping unparsable rule file")
				return nil
			}
			rules = append(rules, rule)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk rule directory %s: %w", path, err)
		}
	}

	l.logger.Info().Int("count", len(rules)).Int("sources", len(paths)).Msg("policy rules loaded")
	return rules, nil
}

// loadFile compiles a single .rego file into a Rule named after it.
func (l *Loader) loadFile(path string) (*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(path), ".rego")
	return CompileRule(name, string(data))
}

// Watch loads the rule paths into the enforcer and reloads them whenever
// a .rego file changes. It returns after installing the initial rule
// set; watching continues until ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, enforcer *Enforcer) error {
	rules, err := l.Load(ctx, paths)
	if err != nil {
		return err
	}
	enforcer.SetRules(rules)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rule watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("failed to watch rule path")
		}
	}

	go l.processEvents(ctx, paths, enforcer)
	return nil
}

// processEvents debounces filesystem events into rule reloads. Reload
// failures keep the previous rule set installed.
func (l *Loader) processEvents(ctx context.Context, paths []string, enforcer *Enforcer) {
	const debounce = 500 * time.Millisecond
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}

			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("rule file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(debounce, func() {
				rules, err := l.Load(ctx, paths)
				if err != nil {
					l.logger.Error().Err(err).Msg("rule reload failed; keeping previous rules")
					return
				}
				enforcer.SetRules(rules)
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("rule watcher error")
		}
	}
}

// Close stops watching for rule changes.
func (l *Loader) Close() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// regoPackage extracts the package path from Rego source.
func regoPackage(source string) (string, error) {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1], nil
			}
		}
	}
	return "", fmt.Errorf("rego source has no package declaration")
}
