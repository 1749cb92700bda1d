// Package paths translates between local cache keys and repository paths.
//
// Local paths are the canonical cache keys: backslash separated and rooted at
// a single backslash ("\", "\docs", "\docs\a.txt"). Repository paths are the
// slash separated paths the WebDAV server understands, rooted at a configured
// base path.
package paths

import (
	"path"
	"strings"
)

const (
	// Separator separates segments of a local path.
	Separator = `\`
	// Root is the local path of the mounted repository root.
	Root = `\`
)

// Translator converts local paths to repository paths and back.
type Translator struct {
	base string
}

// NewTranslator creates a translator for a repository rooted at basePath.
func NewTranslator(basePath string) *Translator {
	return &Translator{base: cleanRepository(basePath)}
}

// Base returns the normalized repository base path.
func (t *Translator) Base() string {
	return t.base
}

// LocalToRepository maps a local path onto the repository.
func (t *Translator) LocalToRepository(local string) string {
	local = Clean(local)
	if local == Root {
		return t.base
	}
	segments := strings.Split(strings.TrimPrefix(local, Separator), Separator)
	return path.Join(append([]string{t.base}, segments...)...)
}

// RepositoryToLocal maps a repository path back to a local path. It reports
// false when the path lies outside the repository base.
func (t *Translator) RepositoryToLocal(repo string) (string, bool) {
	repo = cleanRepository(repo)
	if repo == t.base {
		return Root, true
	}
	prefix := t.base
	if prefix != "/" {
		prefix += "/"
	}
	if !strings.HasPrefix(repo, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(repo, prefix)
	return Root + strings.ReplaceAll(rest, "/", Separator), true
}

// RepositoryParent returns the parent of a repository path, or false for the
// repository root.
func (t *Translator) RepositoryParent(repo string) (string, bool) {
	repo = cleanRepository(repo)
	if t.IsRepositoryRoot(repo) || repo == "/" {
		return "", false
	}
	return path.Dir(repo), true
}

// IsRepositoryRoot reports whether repo is the repository base path.
func (t *Translator) IsRepositoryRoot(repo string) bool {
	return cleanRepository(repo) == t.base
}

func cleanRepository(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + strings.TrimLeft(p, "/"))
}

// Clean normalizes a local path: forward slashes become backslashes, a
// leading separator is enforced and trailing separators are dropped.
func Clean(local string) string {
	local = strings.ReplaceAll(local, "/", Separator)
	local = strings.Trim(local, Separator)
	if local == "" {
		return Root
	}
	for strings.Contains(local, Separator+Separator) {
		local = strings.ReplaceAll(local, Separator+Separator, Separator)
	}
	return Root + local
}

// Join appends a leaf name to a local directory path.
func Join(dir, name string) string {
	if dir == Root {
		return Root + name
	}
	return dir + Separator + name
}

// Parent returns the local parent path, or false for the root.
func Parent(local string) (string, bool) {
	if local == Root || local == "" {
		return "", false
	}
	idx := strings.LastIndex(local, Separator)
	if idx <= 0 {
		return Root, true
	}
	return local[:idx], true
}

// Base returns the leaf name of a local path. The root has no name.
func Base(local string) string {
	if local == Root {
		return ""
	}
	return local[strings.LastIndex(local, Separator)+1:]
}

// SubtreePrefix returns the prefix shared by every descendant key of local.
func SubtreePrefix(local string) string {
	if local == Root {
		return Root
	}
	return local + Separator
}

// IsDescendant reports whether key lies strictly below dir.
func IsDescendant(dir, key string) bool {
	return key != dir && strings.HasPrefix(key, SubtreePrefix(dir))
}

// IsDirectChild reports whether key is an immediate child of dir.
func IsDirectChild(dir, key string) bool {
	if !IsDescendant(dir, key) {
		return false
	}
	rest := key[len(SubtreePrefix(dir)):]
	return rest != "" && !strings.Contains(rest, Separator)
}

// Rebase replaces the oldDir prefix of key with newDir.
func Rebase(key, oldDir, newDir string) string {
	if key == oldDir {
		return newDir
	}
	return Join(newDir, key[len(SubtreePrefix(oldDir)):])
}

// FromSlash converts a slash separated path relative to the mount root (as
// handed out by FUSE) to a local path.
func FromSlash(rel string) string {
	return Clean(rel)
}
