package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/trees"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/studio-b12/gowebdav"
)

// WebDAVConfig holds the connection settings of a WebDAV repository.
type WebDAVConfig struct {
	URL        string
	Username   string
	Password   string
	Timeout    time.Duration
	MaxRetries int

	// InitialBackoff is the first retry delay; later delays grow exponentially.
	InitialBackoff time.Duration
}

// WebDAV is a Client backed by a WebDAV server.
type WebDAV struct {
	client *gowebdav.Client
	cfg    WebDAVConfig
	logger zerolog.Logger
}

// NewWebDAV creates a WebDAV client. No request is made until the first call.
func NewWebDAV(cfg WebDAVConfig, logger zerolog.Logger) (*WebDAV, error) {
	if cfg.URL == "" {
		return nil, errors.New("webdav: empty server URL")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}

	client := gowebdav.NewClient(cfg.URL, cfg.Username, cfg.Password)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &WebDAV{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "webdav").Str("url", cfg.URL).Logger(),
	}, nil
}

// Connect checks that the server is reachable with the configured credentials.
func (w *WebDAV) Connect(ctx context.Context) error {
	return w.retry(ctx, "connect", "/", func() error {
		return w.client.Connect()
	})
}

// List returns the elements of the collection at p.
func (w *WebDAV) List(ctx context.Context, p string) ([]Item, error) {
	return retryWithData(ctx, w, "list", p, func() ([]Item, error) {
		infos, err := w.client.ReadDir(p)
		if err != nil {
			return nil, err
		}
		items := make([]Item, 0, len(infos))
		for _, info := range infos {
			items = append(items, itemFromInfo(path.Join(p, info.Name()), info))
		}
		return items, nil
	})
}

// Stat returns the element at p, or ErrNotFound.
func (w *WebDAV) Stat(ctx context.Context, p string) (*Item, error) {
	return retryWithData(ctx, w, "stat", p, func() (*Item, error) {
		info, err := w.client.Stat(p)
		if err != nil {
			return nil, err
		}
		item := itemFromInfo(p, info)
		return &item, nil
	})
}

// Mkdir creates the collection at p.
func (w *WebDAV) Mkdir(ctx context.Context, p string) error {
	return w.retry(ctx, "mkdir", p, func() error {
		return w.client.Mkdir(p, 0o755)
	})
}

// Remove deletes the element at p, recursively for collections.
func (w *WebDAV) Remove(ctx context.Context, p string) error {
	return w.retry(ctx, "remove", p, func() error {
		return w.client.Remove(p)
	})
}

// Rename moves oldPath to newPath, replacing an existing target.
func (w *WebDAV) Rename(ctx context.Context, oldPath, newPath string) error {
	return w.retry(ctx, "rename", oldPath, func() error {
		return w.client.Rename(oldPath, newPath, true)
	})
}

func (w *WebDAV) retry(ctx context.Context, op, p string, fn func() error) error {
	_, err := retryWithData(ctx, w, op, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (w *WebDAV) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.cfg.InitialBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(w.cfg.MaxRetries)), ctx)
}

// retryWithData runs fn until it succeeds, fails permanently or runs out of
// retries. Not-found and other client errors are never retried.
func retryWithData[T any](ctx context.Context, w *WebDAV, op, p string, fn func() (T, error)) (T, error) {
	attempt := 0
	res, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, backoff.Permanent(err)
		}
		res, err := fn()
		if err == nil {
			return res, nil
		}
		err = classify(err)
		if errors.Is(err, ErrNotFound) || !isTransient(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, w.policy(ctx), func(err error, wait time.Duration) {
		w.logger.Warn().
			Err(err).
			Str("op", op).
			Str("path", p).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("webdav request failed, retrying")
	})
	if err != nil {
		return res, fmt.Errorf("webdav %s %s: %w", op, p, err)
	}
	return res, nil
}

// classify maps a 404 onto ErrNotFound, keeping the original error in the
// chain.
func classify(err error) error {
	if gowebdav.IsErrNotFound(err) || os.IsNotExist(err) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

// isTransient reports whether a request may succeed when repeated: network
// failures and 5xx answers are, other HTTP errors are not.
func isTransient(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		var status gowebdav.StatusError
		if errors.As(pathErr.Err, &status) {
			return status.Status >= http.StatusInternalServerError || status.Status == http.StatusTooManyRequests
		}
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func itemFromInfo(p string, info os.FileInfo) Item {
	item := Item{
		Path: p,
		Attributes: trees.Attributes{
			Size:    info.Size(),
			ModTime: info.ModTime(),
			IsDir:   info.IsDir(),
		},
	}
	if file, ok := info.(gowebdav.File); ok {
		item.Attributes.ContentType = file.ContentType()
		item.Attributes.ETag = file.ETag()
	} else if file, ok := info.(*gowebdav.File); ok {
		item.Attributes.ContentType = file.ContentType()
		item.Attributes.ETag = file.ETag()
	}
	if item.Attributes.IsDir {
		item.Attributes.Size = 0
	}
	return item
}
