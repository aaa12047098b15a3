package config

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Policy holds the operator-tunable audit policy that can be changed
// without restarting the service.
type Policy struct {
	RedactedFields       []string `yaml:"redacted_fields"`
	MaxDeletesPerHour    int      `yaml:"max_deletes_per_hour"`
	MaxOperationsPerHour int      `yaml:"max_operations_per_hour"`
}

// PolicyWatcher reloads the policy file when it changes on disk.
type PolicyWatcher struct {
	path    string
	log     *logrus.Logger
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	current  Policy
	onChange []func(Policy)
}

// NewPolicyWatcher loads the policy file and prepares a filesystem watcher.
func NewPolicyWatcher(path string, log *logrus.Logger) (*PolicyWatcher, error) {
	policy, err := loadPolicy(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch policy file %s: %w", path, err)
	}

	return &PolicyWatcher{
		path:    path,
		log:     log,
		watcher: watcher,
		current: policy,
	}, nil
}

func loadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	return policy, nil
}

// Current returns the most recently loaded policy.
func (w *PolicyWatcher) Current() Policy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked after each successful reload.
// Register callbacks before calling Watch.
func (w *PolicyWatcher) OnChange(fn func(Policy)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Watch processes filesystem events until the context is cancelled.
// A reload failure keeps the previous policy in effect.
func (w *PolicyWatcher) Watch(ctx context.Context) {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
			// Editors replace files on save; re-add in case the inode changed
			if event.Has(fsnotify.Create) {
				_ = w.watcher.Add(w.path)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("policy watcher error")
		}
	}
}

func (w *PolicyWatcher) reload() {
	policy, err := loadPolicy(w.path)
	if err != nil {
		w.log.WithError(err).Error("policy reload failed, keeping previous policy")
		return
	}

	w.mu.Lock()
	w.current = policy
	callbacks := make([]func(Policy), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.Unlock()

	w.log.WithFields(logrus.Fields{
		"redacted_fields":         len(policy.RedactedFields),
		"max_deletes_per_hour":    policy.MaxDeletesPerHour,
		"max_operations_per_hour": policy.MaxOperationsPerHour,
	}).Info("audit policy reloaded")

	for _, fn := range callbacks {
		fn(policy)
	}
}
