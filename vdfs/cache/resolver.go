package cache

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/paths"
	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/remote"
	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/trees"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreChecker decides whether a remote name is hidden from listings
type IgnoreChecker interface {
	MatchesPath(path string) bool
}

// CompileExcludes builds an IgnoreChecker from gitignore-style patterns. It
// returns nil when there are no patterns.
func CompileExcludes(patterns []string) IgnoreChecker {
	if len(patterns) == 0 {
		return nil
	}
	return ignore.CompileIgnoreLines(patterns...)
}

// Listing is the result of one remote folder listing.
type Listing struct {
	FolderID  uuid.UUID
	Entries   []trees.Entry
	FetchedAt time.Time
}

// Children returns the nodes to commit to the store, without the synthetic
// "." and ".." entries.
func (l *Listing) Children() []*trees.Node {
	children := make([]*trees.Node, 0, len(l.Entries))
	for _, entry := range l.Entries {
		if entry.IsSynthetic() {
			continue
		}
		node := entry.Node
		children = append(children, &node)
	}
	return children
}

// Resolver turns one remote listing into cache-ready nodes. It never touches
// the store.
type Resolver struct {
	repo       remote.Repository
	translator *paths.Translator
	exclude    IgnoreChecker
	now        func() time.Time
	logger     zerolog.Logger
}

// NewResolver creates a resolver over repo.
func NewResolver(repo remote.Repository, translator *paths.Translator, exclude IgnoreChecker, now func() time.Time, logger zerolog.Logger) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		repo:       repo,
		translator: translator,
		exclude:    exclude,
		now:        now,
		logger:     logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve lists dir on the repository. For folders other than the repository
// root, and unless the marker already lies past them, the result starts with
// "." (dir itself) and, when the parent can be fetched, "..".
func (r *Resolver) Resolve(ctx context.Context, dir trees.Node, marker string) (*Listing, error) {
	listing, err := r.Fetch(ctx, dir)
	if err != nil {
		return nil, err
	}
	if r.translator.IsRepositoryRoot(dir.RepositoryPath) || !wantsSynthetic(marker) {
		return listing, nil
	}

	synthetic := []trees.Entry{{Name: trees.DotName, Node: dir}}
	if parent, ok := r.parentEntry(ctx, dir); ok {
		synthetic = append(synthetic, parent)
	}
	listing.Entries = append(synthetic, listing.Entries...)
	return listing, nil
}

// Fetch lists the children of dir without the synthetic entries.
func (r *Resolver) Fetch(ctx context.Context, dir trees.Node) (*Listing, error) {
	items, err := r.repo.List(ctx, dir.RepositoryPath)
	if err != nil {
		return nil, &FetchError{Path: dir.RepositoryPath, Err: err}
	}

	listing := &Listing{FolderID: dir.ID}
	self := path.Clean(dir.RepositoryPath)
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if path.Clean(item.Path) == self {
			continue
		}
		name := path.Base(item.Path)
		if name == "" || name == "/" || name == "." || name == ".." {
			continue
		}
		if strings.Contains(name, paths.Separator) {
			r.logger.Warn().Str("path", item.Path).Msg("skipping remote name containing the local separator")
			continue
		}
		if r.excluded(name, item.Attributes.IsDir) {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		local := paths.Join(dir.LocalPath, name)
		node := trees.NewNode(local, r.translator.LocalToRepository(local), item.Attributes)
		listing.Entries = append(listing.Entries, trees.Entry{Name: name, Node: *node})
	}

	listing.FetchedAt = r.now()
	r.logger.Debug().
		Str("folder", dir.LocalPath).
		Int("entries", len(listing.Entries)).
		Msg("folder resolved")
	return listing, nil
}

// Folders are matched with a trailing slash so that "dir/" patterns apply.
func (r *Resolver) excluded(name string, isDir bool) bool {
	if r.exclude == nil {
		return false
	}
	if isDir {
		name += "/"
	}
	return r.exclude.MatchesPath(name)
}

// wantsSynthetic reports whether "." and ".." can still appear on the page
// that follows marker. The marker filter drops "." itself for marker ".".
func wantsSynthetic(marker string) bool {
	return marker == "" || trees.CompareNames(marker, trees.DotDotName) < 0
}

func (r *Resolver) parentEntry(ctx context.Context, dir trees.Node) (trees.Entry, bool) {
	parentRepo, ok := r.translator.RepositoryParent(dir.RepositoryPath)
	if !ok {
		return trees.Entry{}, false
	}
	parentLocal, ok := paths.Parent(dir.LocalPath)
	if !ok {
		return trees.Entry{}, false
	}

	item, err := r.repo.Stat(ctx, parentRepo)
	if err != nil || item == nil {
		r.logger.Debug().Err(err).Str("folder", dir.LocalPath).Msg("parent lookup failed, omitting ..")
		return trees.Entry{}, false
	}

	parent := trees.NewNode(parentLocal, parentRepo, item.Attributes)
	return trees.Entry{Name: trees.DotDotName, Node: *parent}, true
}
