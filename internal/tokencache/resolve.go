package tokencache

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// CacheFileName is the default name of the durable cache document.
const CacheFileName = "xbl_token_cache.json"

// ResolvePath picks the durable cache location. Candidates are tried in
// order: the runtime-scoped directory ($XDG_RUNTIME_DIR), the directory the
// executable lives in, the system temp directory. The first writable one
// wins. An empty return means no candidate was writable and the cache should
// run memory-only.
func ResolvePath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" && dirWritable(dir) {
		return filepath.Join(dir, CacheFileName)
	}

	if exe, err := os.Executable(); err == nil {
		if dir := filepath.Dir(exe); dirWritable(dir) {
			return filepath.Join(dir, CacheFileName)
		}
	}

	if dir := os.TempDir(); dirWritable(dir) {
		return filepath.Join(dir, CacheFileName)
	}

	log.Warn("no writable cache location found")
	return ""
}

// dirWritable probes dir by creating and removing a temp file. A plain
// permission-bit check misses read-only mounts.
func dirWritable(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	probe, err := os.CreateTemp(dir, ".cache-probe-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return true
}
