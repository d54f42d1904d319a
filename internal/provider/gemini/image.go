// Package gemini adapts Google's Gemini image generation to the
// provider.Adapter contract. The Gemini API is synchronous, so Submit starts
// the generation in a background goroutine and Poll reads its completion
// slot, giving the polling loop the same submit/poll shape as genuinely
// asynchronous providers.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/opencanvas/genstudio-api/internal/domain"
	"github.com/opencanvas/genstudio-api/internal/platform/logger"
	"github.com/opencanvas/genstudio-api/internal/provider"
)

// ProviderID is the id tasks reference to route to this adapter.
const ProviderID = "gemini-image"

// Config carries the Gemini credentials and model name.
type Config struct {
	APIKey string
	Model  string
}

// ArtifactSink stores generated bytes and returns a URL clients can fetch.
type ArtifactSink interface {
	Save(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// job is one in-flight generation's completion slot.
type job struct {
	done bool
	url  string
	err  error
}

// ImageAdapter implements provider.Adapter on Gemini image models.
type ImageAdapter struct {
	client *genai.Client
	model  string
	sink   ArtifactSink

	mu   sync.Mutex
	jobs map[string]*job
}

// NewImageAdapter creates an ImageAdapter from the given config and artifact
// sink.
func NewImageAdapter(ctx context.Context, cfg Config, sink ArtifactSink) (*ImageAdapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key cannot be empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("gemini model name cannot be empty")
	}
	if sink == nil {
		return nil, fmt.Errorf("artifact sink cannot be nil")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &ImageAdapter{
		client: client,
		model:  cfg.Model,
		sink:   sink,
		jobs:   make(map[string]*job),
	}, nil
}

// ID returns the adapter's provider id.
func (a *ImageAdapter) ID() string {
	return ProviderID
}

// Kind returns the artifact kind this adapter produces.
func (a *ImageAdapter) Kind() domain.TaskKind {
	return domain.TaskKindImage
}

// Submit registers a completion slot and starts the generation in the
// background. The returned handle is local to this process; a restart loses
// the slot and the task is picked up by the stale-task sweep.
func (a *ImageAdapter) Submit(ctx context.Context, t *domain.Task) (string, error) {
	handle := uuid.NewString()

	a.mu.Lock()
	a.jobs[handle] = &job{}
	a.mu.Unlock()

	// The generation must outlive the submit call but keep its log context.
	go a.generate(context.WithoutCancel(ctx), handle, t)

	return handle, nil
}

// Poll reads the completion slot for the given handle. An unknown handle
// (lost to a restart) reports StateUnknown so the caller's unknown-status
// budget decides when to give up.
func (a *ImageAdapter) Poll(_ context.Context, remoteHandle string) (provider.PollResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	j, ok := a.jobs[remoteHandle]
	if !ok {
		return provider.PollResult{
			State:     provider.StateUnknown,
			RawStatus: "untracked",
			Progress:  provider.ProgressUnknown,
		}, nil
	}

	if !j.done {
		return provider.PollResult{
			State:     provider.StatePending,
			RawStatus: "running",
			Progress:  provider.ProgressUnknown,
		}, nil
	}

	delete(a.jobs, remoteHandle)

	if j.err != nil {
		return provider.PollResult{
			State:     provider.StateBusinessFailure,
			RawStatus: "failed",
			Progress:  provider.ProgressUnknown,
			Message:   j.err.Error(),
		}, nil
	}

	return provider.PollResult{
		State:       provider.StateSuccess,
		RawStatus:   "succeeded",
		Progress:    100,
		ArtifactURL: j.url,
	}, nil
}

// Cancel drops the completion slot; a still-running generation's result is
// discarded when it lands.
func (a *ImageAdapter) Cancel(_ context.Context, remoteHandle string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.jobs, remoteHandle)

	return nil
}

// generate runs the synchronous Gemini call and fills the completion slot.
func (a *ImageAdapter) generate(ctx context.Context, handle string, t *domain.Task) {
	log := logger.FromContext(ctx)

	url, err := a.generateImage(ctx, t)
	if err != nil {
		log.Warn("gemini generation failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	j, ok := a.jobs[handle]
	if !ok {
		// Canceled while generating; nothing to report to.
		return
	}
	j.done = true
	j.url = url
	j.err = err
}

func (a *ImageAdapter) generateImage(ctx context.Context, t *domain.Task) (string, error) {
	resp, err := a.client.Models.GenerateContent(ctx, a.model, genai.Text(t.Prompt), nil)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini returned no content")
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		if part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}

		name := fmt.Sprintf("%s%s", t.ID, extensionFor(part.InlineData.MIMEType))
		url, err := a.sink.Save(ctx, name, part.InlineData.Data, part.InlineData.MIMEType)
		if err != nil {
			return "", fmt.Errorf("failed to store generated image: %w", err)
		}

		return url, nil
	}

	return "", fmt.Errorf("gemini returned no image data")
}

// extensionFor picks a file extension for the common image MIME types Gemini
// returns.
func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
