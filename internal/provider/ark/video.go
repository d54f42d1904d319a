// Package ark adapts Volcengine Ark content-generation (Doubao video models)
// to the provider.Adapter contract.
package ark

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/volcengine/volcengine-go-sdk/service/arkruntime"
	"github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
	"github.com/volcengine/volcengine-go-sdk/volcengine"

	"github.com/opencanvas/genstudio-api/internal/domain"
	"github.com/opencanvas/genstudio-api/internal/platform/logger"
	"github.com/opencanvas/genstudio-api/internal/provider"
)

// ProviderID is the id tasks reference to route to this adapter.
const ProviderID = "ark-video"

// Config carries the Ark credentials and model endpoint.
type Config struct {
	APIKey  string
	BaseURL string
	ModelID string
}

// VideoAdapter implements provider.Adapter on the Ark content-generation
// task API. Submission creates a remote generation task; polling reads it
// back by id.
type VideoAdapter struct {
	client  *arkruntime.Client
	modelID string
}

// NewVideoAdapter creates a VideoAdapter from the given config.
func NewVideoAdapter(cfg Config) (*VideoAdapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ark API key cannot be empty")
	}
	if cfg.ModelID == "" {
		return nil, fmt.Errorf("ark model id cannot be empty")
	}

	opts := []arkruntime.ConfigOption{}
	if cfg.BaseURL != "" {
		opts = append(opts, arkruntime.WithBaseUrl(cfg.BaseURL))
	}

	return &VideoAdapter{
		client:  arkruntime.NewClientWithApiKey(cfg.APIKey, opts...),
		modelID: cfg.ModelID,
	}, nil
}

// ID returns the adapter's provider id.
func (a *VideoAdapter) ID() string {
	return ProviderID
}

// Kind returns the artifact kind this adapter produces.
func (a *VideoAdapter) Kind() domain.TaskKind {
	return domain.TaskKindVideo
}

// Submit creates a remote content-generation task from the task's prompt and
// reference images and returns the Ark task id as the remote handle.
func (a *VideoAdapter) Submit(ctx context.Context, t *domain.Task) (string, error) {
	content := []*model.CreateContentGenerationContentItem{
		{
			Type: model.ContentGenerationContentItemTypeText,
			Text: volcengine.String(t.Prompt),
		},
	}
	for _, ref := range t.ReferenceInputs {
		content = append(content, &model.CreateContentGenerationContentItem{
			Type: model.ContentGenerationContentItemTypeImage,
			ImageURL: &model.ImageURL{
				URL: ref,
			},
		})
	}

	createReq := model.CreateContentGenerationTaskRequest{
		Model:   a.modelID,
		Content: content,
	}

	resp, err := a.client.CreateContentGenerationTask(ctx, createReq)
	if err != nil {
		// The SDK does not expose a status code here, so every submit
		// failure is handed to the retry budget.
		return "", provider.Transient(fmt.Errorf("ark create content generation task: %w", err))
	}

	logger.FromContext(ctx).Debug("ark generation task created",
		slog.String("task_id", t.ID.String()),
		slog.String("remote_handle", resp.ID))

	return resp.ID, nil
}

// Poll reads the remote task's state and translates it to the canonical
// vocabulary. Ark does not report numeric progress.
func (a *VideoAdapter) Poll(ctx context.Context, remoteHandle string) (provider.PollResult, error) {
	req := model.GetContentGenerationTaskRequest{}
	req.ID = remoteHandle

	resp, err := a.client.GetContentGenerationTask(ctx, req)
	if err != nil {
		return provider.PollResult{}, provider.Transient(
			fmt.Errorf("ark get content generation task: %w", err))
	}

	result := provider.PollResult{
		State:     provider.Canonicalize(resp.Status),
		RawStatus: resp.Status,
		Progress:  provider.ProgressUnknown,
	}

	switch result.State {
	case provider.StateSuccess:
		result.ArtifactURL = resp.Content.VideoURL
	case provider.StateBusinessFailure:
		result.Message = fmt.Sprintf("ark task ended with status %q", resp.Status)
	}

	return result, nil
}

// Cancel is not supported by the Ark content-generation API.
func (a *VideoAdapter) Cancel(_ context.Context, _ string) error {
	return provider.ErrCancelNotSupported
}
