// Package xlog is a tiny file-backed debug logger, in the teacher's own
// idiom: a lazily-opened log file under a configurable directory, named
// debug-YYYYMMDD-HHMMSS.log after the moment it is opened, with no
// external logging dependency. A file is kept until Configure is called
// again; there is no time-based rotation.
package xlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	mu      sync.Mutex
	file    *os.File
	dir     string
	once    sync.Once
	enabled = os.Getenv("FETCHCORE_DEBUG") != ""
)

func defaultDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "fetchcore", "logs")
}

// Configure sets the logs directory. Safe to call before the first Debug
// call; calling it afterward rotates to a new file in the new directory.
func Configure(logsDir string) {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
		file = nil
	}
	dir = logsDir
	once = sync.Once{}
}

func open() {
	if dir == "" {
		dir = defaultDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	name := fmt.Sprintf("debug-%s.log", time.Now().Format("20060102-150405"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	file = f
}

// Debug writes a timestamped, printf-formatted line to the debug log. It
// is a no-op unless FETCHCORE_DEBUG is set or Enable has been called;
// Configure alone does not turn logging on.
func Debug(format string, args ...any) {
	if !enabled {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	once.Do(open)
	if file == nil {
		return
	}
	line := fmt.Sprintf("[%s] %s\n", time.Now().Format(time.RFC3339Nano), fmt.Sprintf(format, args...))
	file.WriteString(line)
}

// Enable forces debug logging on regardless of environment.
func Enable() {
	mu.Lock()
	enabled = true
	mu.Unlock()
}

// Cleanup keeps only the newest `keep` debug log files in the logs
// directory, removing the rest.
func Cleanup(keep int) {
	mu.Lock()
	logsDir := dir
	if logsDir == "" {
		logsDir = defaultDir()
	}
	mu.Unlock()

	entries, err := os.ReadDir(logsDir)
	if err != nil {
		return
	}

	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "debug-") && strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) <= keep {
		return
	}
	for _, n := range names[:len(names)-keep] {
		os.Remove(filepath.Join(logsDir, n))
	}
}
