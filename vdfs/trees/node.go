package trees

import (
	"slices"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/paths"

	"github.com/google/uuid"
)

// Names of the synthetic entries prepended to non-root folder listings.
const (
	DotName    = "."
	DotDotName = ".."
)

// Attributes holds the metadata reported by the remote repository. The cache
// only interprets IsDir.
type Attributes struct {
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"modified_at"`
	IsDir       bool      `json:"is_dir"`
	ContentType string    `json:"content_type,omitempty"`
	ETag        string    `json:"etag,omitempty"`
}

// Node is one cached file or folder.
type Node struct {
	ID             uuid.UUID  `json:"id"`
	LocalPath      string     `json:"local_path"`
	RepositoryPath string     `json:"repository_path"`
	Name           string     `json:"name"`
	Attributes     Attributes `json:"attributes"`

	// IsParsed is meaningful for directories only: the children have been
	// listed at least once and are present in the cache.
	IsParsed bool `json:"is_parsed"`
	// LastRefresh is when the children were last populated from the remote.
	LastRefresh time.Time `json:"last_refresh"`
}

// NewNode creates an unparsed node with a fresh identity.
func NewNode(localPath, repositoryPath string, attrs Attributes) *Node {
	return &Node{
		ID:             uuid.New(),
		LocalPath:      localPath,
		RepositoryPath: repositoryPath,
		Name:           paths.Base(localPath),
		Attributes:     attrs,
	}
}

// NewRoot creates the root folder node for a repository base path.
func NewRoot(repositoryPath string) *Node {
	return NewNode(paths.Root, repositoryPath, Attributes{IsDir: true})
}

// IsDirectory reports whether the node is a folder.
func (n *Node) IsDirectory() bool {
	return n.Attributes.IsDir
}

// IsStale reports whether a parsed folder's listing is older than after.
func (n *Node) IsStale(now time.Time, after time.Duration) bool {
	return n.IsParsed && now.Sub(n.LastRefresh) > after
}

// Snapshot returns a copy that is safe to hand out of the store lock.
func (n *Node) Snapshot() Node {
	return *n
}

// Entry is one element of a folder listing.
type Entry struct {
	Name string
	Node Node
}

// IsSynthetic reports whether the entry is a "." or ".." placeholder.
func (e Entry) IsSynthetic() bool {
	return e.Name == DotName || e.Name == DotDotName
}

// CompareNames orders names case-insensitively, breaking ties on the exact
// bytes so that the order is total.
func CompareNames(a, b string) int {
	if c := compareFold(a, b); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

func compareFold(a, b string) int {
	return strings.Compare(strings.ToUpper(a), strings.ToUpper(b))
}

// SortEntries sorts a listing by name using CompareNames.
func SortEntries(entries []Entry) {
	slices.SortStableFunc(entries, func(a, b Entry) int {
		return CompareNames(a.Name, b.Name)
	})
}

// AfterMarker returns the entries whose name compares case-insensitively
// greater than marker. An empty marker keeps everything. entries must already
// be sorted.
func AfterMarker(entries []Entry, marker string) []Entry {
	if marker == "" {
		return entries
	}
	idx, _ := slices.BinarySearchFunc(entries, marker, func(e Entry, m string) int {
		if compareFold(e.Name, m) <= 0 {
			return -1
		}
		return 1
	})
	return entries[idx:]
}
