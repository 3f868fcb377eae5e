// Package fetch loads slide fragments. Every fetch bypasses caches so an
// edited slide shows up on the next navigation.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// StatusError reports a non-success fetch result.
type StatusError struct {
	Ref    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Status)
}

// HTTP fetches slide content relative to a base URL.
type HTTP struct {
	base   *url.URL
	client *http.Client
	clock  func() time.Time
}

// NewHTTP returns a fetcher rooted at base. A trailing slash is implied.
func NewHTTP(base string, client *http.Client) (*HTTP, error) {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse content base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported content url scheme %q", u.Scheme)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTP{base: u, client: client, clock: time.Now}, nil
}

// Resolve returns the absolute URL of ref.
func (h *HTTP) Resolve(ref string) string {
	u, err := h.base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

// Fetch downloads ref with a timestamp query parameter and no-cache headers.
func (h *HTTP) Fetch(ctx context.Context, ref string) ([]byte, error) {
	u, err := h.base.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}
	q := u.Query()
	q.Set("ts", strconv.FormatInt(h.clock().UnixMilli(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Ref: ref, Code: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	return body, nil
}

// Dir reads slide content from a local directory. Files are read fresh on
// every call.
type Dir struct {
	root string
}

func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Resolve returns the file path of ref.
func (d *Dir) Resolve(ref string) string {
	return filepath.Join(d.root, filepath.FromSlash(cleanRef(ref)))
}

func (d *Dir) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.Resolve(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &StatusError{Ref: ref, Code: http.StatusNotFound, Status: http.StatusText(http.StatusNotFound)}
		}
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	return data, nil
}

// cleanRef strips query strings and keeps ref inside the content root.
func cleanRef(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	return strings.TrimPrefix(path.Clean("/"+ref), "/")
}
