package session

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"vigil/internal/logger"

	"github.com/fsnotify/fsnotify"
)

// killEnvVar engages the switch from the environment, mostly for tests and
// container orchestration where touching a file is awkward.
const killEnvVar = "VIGIL_KILL"

// KillSwitch halts order submission when a marker file appears; maintenance
// and persistence keep running. The scheduler samples it exactly once per
// cycle, at the top; a file created mid-cycle takes effect on the next cycle
// boundary. Once engaged it stays engaged for the life of the process.
type KillSwitch struct {
	path    string
	engaged atomic.Bool
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewKillSwitch(path string) (*KillSwitch, error) {
	ks := &KillSwitch{path: path, done: make(chan struct{})}
	if path == "" {
		return ks, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	ks.watcher = watcher
	go ks.watch()
	return ks, nil
}

func (k *KillSwitch) watch() {
	defer k.watcher.Close()
	for {
		select {
		case <-k.done:
			return
		case ev, ok := <-k.watcher.Events:
			if !ok {
				return
			}
			if ev.Name == k.path && ev.Op.Has(fsnotify.Create|fsnotify.Write) {
				if k.engaged.CompareAndSwap(false, true) {
					logger.Warnf("kill switch marker detected at %s", k.path)
				}
			}
		case err, ok := <-k.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("kill switch watcher error: %v", err)
		}
	}
}

// Sampled reports whether the switch is engaged. It also stats the
// marker directly so a file created before the watcher started still counts.
func (k *KillSwitch) Sampled() bool {
	if k.engaged.Load() {
		return true
	}
	if v := strings.TrimSpace(os.Getenv(killEnvVar)); v != "" && v != "0" && !strings.EqualFold(v, "false") {
		if k.engaged.CompareAndSwap(false, true) {
			logger.Warnf("kill switch engaged via %s", killEnvVar)
		}
		return true
	}
	if k.path != "" {
		if _, err := os.Stat(k.path); err == nil {
			if k.engaged.CompareAndSwap(false, true) {
				logger.Warnf("kill switch marker present at %s", k.path)
			}
			return true
		}
	}
	return false
}

func (k *KillSwitch) Close() {
	select {
	case <-k.done:
	default:
		close(k.done)
	}
}
