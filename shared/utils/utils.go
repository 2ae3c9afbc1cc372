package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"

	"diffview/shared/types"
)

// PathUnder reports whether path is root itself or lies beneath it.
func PathUnder(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// HashContent returns the hex sha256 of content.
func HashContent(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

// CopyChangeMap returns a shallow copy of a change map. State writers copy
// before mutating so published maps stay immutable.
func CopyChangeMap(m map[string]shared.FileChangeStatus) map[string]shared.FileChangeStatus {
	out := make(map[string]shared.FileChangeStatus, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// UnionChangeMaps merges change maps. Paths are disjoint by repository so
// later maps never need to overwrite earlier ones.
func UnionChangeMaps(maps ...map[string]shared.FileChangeStatus) map[string]shared.FileChangeStatus {
	out := make(map[string]shared.FileChangeStatus)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
