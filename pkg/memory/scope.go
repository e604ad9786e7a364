package memory

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// ClassifyPath derives the scope and owner of a workspace-relative memory file.
//
//	memory/daily/2024-01-29.md          shared
//	memory/daily/alice/2024-01-29.md    user alice
//	memory/users/alice/MEMORY.md        user alice
//	memory/notes.md                     shared
func ClassifyPath(relPath string) (Scope, string) {
	parts := strings.Split(filepath.ToSlash(relPath), "/")

	if idx := indexOf(parts, "daily"); idx >= 0 {
		users := indexOf(parts, UsersDirName)
		if users >= 0 || len(parts) > 3 {
			uid := segmentAfter(parts, idx)
			if uid == "" && users >= 0 {
				uid = segmentAfter(parts, users)
			}
			return ScopeUser, uid
		}
		return ScopeShared, ""
	}

	if idx := indexOf(parts, UsersDirName); idx >= 0 {
		return ScopeUser, segmentAfter(parts, idx)
	}

	return ScopeShared, ""
}

// segmentAfter returns the path segment following idx when it is a directory.
func segmentAfter(parts []string, idx int) string {
	if idx+1 < len(parts)-1 {
		return parts[idx+1]
	}
	if idx+1 < len(parts) && !strings.HasSuffix(parts[idx+1], ".md") {
		return parts[idx+1]
	}
	return ""
}

func indexOf(parts []string, name string) int {
	for i, p := range parts {
		if p == name {
			return i
		}
	}
	return -1
}

// searchScopes returns the scopes a search may see. userID adds the user scope.
func searchScopes(userID string, includeShared bool) []Scope {
	var scopes []Scope
	if includeShared {
		scopes = append(scopes, ScopeShared)
	}
	if userID != "" {
		scopes = append(scopes, ScopeUser)
	}
	return scopes
}

// defaultMemoryPath names the file an AddMemory call without a path lands in.
func defaultMemoryPath(content, userID string, scope Scope) string {
	sum := md5.Sum([]byte(content))
	short := hex.EncodeToString(sum[:])[:8]
	if userID != "" && scope == ScopeUser {
		return "memory/users/" + userID + "/memory_" + short + ".md"
	}
	return "memory/shared/memory_" + short + ".md"
}
