package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// ObjectStore keeps image bytes somewhere with a stable public URL.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) (string, error)
}

const defaultMaxImageBytes = 8 << 20

var errImageTooLarge = errors.New("image exceeds size limit")

// Fetcher downloads an image for a hint from a search-style source URL and
// copies it into an ObjectStore.
type Fetcher struct {
	client    *http.Client
	sourceURL string
	store     ObjectStore
	maxBytes  int64
}

// NewFetcher builds a Fetcher. sourceURL must contain one %s where the
// query-escaped hint goes.
func NewFetcher(client *http.Client, sourceURL string, store ObjectStore) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, sourceURL: sourceURL, store: store, maxBytes: defaultMaxImageBytes}
}

var _ ImageFetcher = (*Fetcher)(nil)

func (f *Fetcher) FetchAndStore(ctx context.Context, hint string) (string, error) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return "", fmt.Errorf("empty image hint")
	}
	src := fmt.Sprintf(f.sourceURL, url.QueryEscape(hint))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", fmt.Errorf("build image request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if !strings.HasPrefix(mediaType, "image/") {
		return "", fmt.Errorf("fetch image: unexpected content type %q", contentType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return "", fmt.Errorf("fetch image: %w (%d bytes)", errImageTooLarge, f.maxBytes)
	}

	key := "images/" + uuid.New().String() + extensionFor(mediaType)
	return f.store.Put(ctx, key, mediaType, bytes.NewReader(data))
}

func extensionFor(mediaType string) string {
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	return ""
}
