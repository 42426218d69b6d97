package queue

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// uniqueDestPath returns path unchanged if nothing occupies it, or the
// next available "name(N).ext" variant, adapted from the teacher's
// download/manager.go uniqueFilePath (same collision-avoidance scheme,
// generalized to this engine's own task bookkeeping).
func uniqueDestPath(path string, taken map[string]bool) string {
	if !pathOccupied(path, taken) {
		return path
	}

	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	name := strings.TrimSuffix(filepath.Base(path), ext)

	base := name
	counter := 1
	if len(name) > 3 && name[len(name)-1] == ')' {
		if openParen := strings.LastIndexByte(name, '('); openParen != -1 {
			numStr := name[openParen+1 : len(name)-1]
			if num, err := strconv.Atoi(numStr); err == nil && num > 0 {
				base = name[:openParen]
				counter = num + 1
			}
		}
	}

	for {
		candidate := filepath.Join(dir, base+"("+strconv.Itoa(counter)+")"+ext)
		if !pathOccupied(candidate, taken) {
			return candidate
		}
		counter++
	}
}

// pathOccupied reports whether path is already used by a destination on
// disk (finished or in-progress via its checkpoint sidecar) or by
// another task already admitted in this run.
func pathOccupied(path string, taken map[string]bool) bool {
	if taken[path] {
		return true
	}
	if _, err := os.Stat(path); err == nil {
		return true
	}
	if _, err := os.Stat(path + ".ckpt.json"); err == nil {
		return true
	}
	return false
}
