package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/opencanvas/genstudio-api/internal/domain"
	"github.com/opencanvas/genstudio-api/internal/platform/logger"
	"github.com/opencanvas/genstudio-api/internal/redact"
)

// ArtifactStore persists a downloaded artifact and returns the URL it will
// be served under. Implemented by blobstore.FSStore.
type ArtifactStore interface {
	Save(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// StorageError wraps a failure to persist an artifact, distinguishing it
// from download failures when deciding whether to fall back.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("artifact storage failed: %v", e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

const (
	// maxArtifactBytes caps a single downloaded artifact. Provider video
	// outputs stay well under this.
	maxArtifactBytes = 512 << 20

	materializeAttempts   = 3
	materializeRetryDelay = 2 * time.Second
)

// Materializer copies a provider-hosted artifact into our own storage.
// Provider URLs are short-lived; tasks whose artifacts we hold survive the
// expiry. The supervisor falls back to the provider URL when Materialize
// fails, so a broken store degrades results rather than failing tasks.
type Materializer struct {
	store      ArtifactStore
	client     *http.Client
	retryDelay time.Duration
}

// NewMaterializer creates a Materializer. A nil client gets a default with
// a generous timeout for large video downloads.
func NewMaterializer(store ArtifactStore, client *http.Client) *Materializer {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}

	return &Materializer{store: store, client: client, retryDelay: materializeRetryDelay}
}

// Materialize downloads the artifact at providerURL and saves it under the
// task's id, returning the durable URL. Download failures are retried a few
// times; storage failures are not, since the store is local and retrying
// will not help.
func (m *Materializer) Materialize(ctx context.Context, t *domain.Task, providerURL string) (string, error) {
	log := logger.FromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= materializeAttempts; attempt++ {
		data, contentType, err := m.download(ctx, providerURL)
		if err != nil {
			lastErr = err
			log.Warn("artifact download failed",
				slog.String("task_id", t.ID.String()),
				slog.Int("attempt", attempt),
				slog.String("error", redact.Error(err)))

			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(m.retryDelay):
			}
			continue
		}

		name := t.ID.String() + extensionForContentType(contentType)
		url, err := m.store.Save(ctx, name, data, contentType)
		if err != nil {
			return "", &StorageError{Err: err}
		}

		log.Debug("artifact materialized",
			slog.String("task_id", t.ID.String()),
			slog.Int("size_bytes", len(data)))
		return url, nil
	}

	return "", fmt.Errorf("artifact download failed after %d attempts: %w",
		materializeAttempts, lastErr)
}

func (m *Materializer) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build artifact request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("artifact request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("artifact request returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read artifact body: %w", err)
	}
	if len(data) > maxArtifactBytes {
		return nil, "", fmt.Errorf("artifact exceeds %d byte limit", maxArtifactBytes)
	}

	return data, resp.Header.Get("Content-Type"), nil
}

func extensionForContentType(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav":
		return ".wav"
	default:
		return ""
	}
}
