package task

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opencanvas/genstudio-api/internal/domain"
	"github.com/opencanvas/genstudio-api/internal/platform/logger"
	"github.com/opencanvas/genstudio-api/internal/provider"
	"github.com/opencanvas/genstudio-api/internal/redact"
)

// errStrategyNotApplicable marks a strategy that cannot help with this task
// (nothing to inline, no mirror configured). The chain skips it silently.
var errStrategyNotApplicable = errors.New("submission strategy not applicable")

// SubmissionStrategy is one way of getting a task submitted to a provider.
// Strategies differ in how they present the task's reference inputs; the
// chain walks them in order when submission fails.
type SubmissionStrategy interface {
	Name() string
	Submit(ctx context.Context, adapter provider.Adapter, t *domain.Task) (string, error)
}

// DirectSubmission submits the task exactly as admitted.
type DirectSubmission struct{}

// Name implements SubmissionStrategy.
func (DirectSubmission) Name() string { return "direct" }

// Submit implements SubmissionStrategy.
func (DirectSubmission) Submit(
	ctx context.Context,
	adapter provider.Adapter,
	t *domain.Task,
) (string, error) {
	return adapter.Submit(ctx, t)
}

// maxInlineBytes caps a single inlined reference input. Providers reject
// oversized data URIs anyway; better to fail fast here.
const maxInlineBytes = 10 << 20

// InlinePayloadSubmission recovers from providers that cannot fetch the
// task's reference URLs: it downloads each input itself and resubmits with
// the content inlined as data URIs.
type InlinePayloadSubmission struct {
	Client *http.Client
}

// Name implements SubmissionStrategy.
func (InlinePayloadSubmission) Name() string { return "inline-payload" }

// Submit implements SubmissionStrategy.
func (s InlinePayloadSubmission) Submit(
	ctx context.Context,
	adapter provider.Adapter,
	t *domain.Task,
) (string, error) {
	if len(t.ReferenceInputs) == 0 {
		return "", errStrategyNotApplicable
	}

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	inlined := *t
	inlined.ReferenceInputs = make([]string, len(t.ReferenceInputs))
	for i, input := range t.ReferenceInputs {
		dataURI, err := inlineAsDataURI(ctx, client, input)
		if err != nil {
			return "", fmt.Errorf("failed to inline reference input: %w", err)
		}
		inlined.ReferenceInputs[i] = dataURI
	}

	return adapter.Submit(ctx, &inlined)
}

func inlineAsDataURI(ctx context.Context, client *http.Client, rawURL string) (string, error) {
	if strings.HasPrefix(rawURL, "data:") {
		return rawURL, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reference input fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInlineBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxInlineBytes {
		return "", fmt.Errorf("reference input exceeds %d byte inline limit", maxInlineBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// MirrorHostSubmission retries submission with the reference input URLs
// rewritten to a mirror host, for providers whose egress cannot reach the
// primary one.
type MirrorHostSubmission struct {
	MirrorHost string
}

// Name implements SubmissionStrategy.
func (MirrorHostSubmission) Name() string { return "mirror-host" }

// Submit implements SubmissionStrategy.
func (s MirrorHostSubmission) Submit(
	ctx context.Context,
	adapter provider.Adapter,
	t *domain.Task,
) (string, error) {
	if s.MirrorHost == "" || len(t.ReferenceInputs) == 0 {
		return "", errStrategyNotApplicable
	}

	mirrored := *t
	mirrored.ReferenceInputs = make([]string, len(t.ReferenceInputs))
	for i, input := range t.ReferenceInputs {
		rewritten, err := rewriteHost(input, s.MirrorHost)
		if err != nil {
			return "", fmt.Errorf("failed to rewrite reference input host: %w", err)
		}
		mirrored.ReferenceInputs[i] = rewritten
	}

	return adapter.Submit(ctx, &mirrored)
}

func rewriteHost(rawURL, host string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return rawURL, nil
	}
	u.Host = host
	return u.String(), nil
}

// submitWithStrategies walks the strategies in order and returns the first
// successful remote handle. A failed strategy is a recovery trigger, not a
// verdict: the next one gets its chance. Only exhausting the list fails the
// submission, with the last real error.
func submitWithStrategies(
	ctx context.Context,
	strategies []SubmissionStrategy,
	adapter provider.Adapter,
	t *domain.Task,
) (string, error) {
	log := logger.FromContext(ctx)

	var lastErr error
	for _, strategy := range strategies {
		handle, err := strategy.Submit(ctx, adapter, t)
		if err == nil {
			return handle, nil
		}
		if errors.Is(err, errStrategyNotApplicable) {
			continue
		}

		lastErr = err
		log.Warn("submission strategy failed",
			slog.String("strategy", strategy.Name()),
			slog.String("error", redact.Error(err)))

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no applicable submission strategy")
	}
	return "", lastErr
}
