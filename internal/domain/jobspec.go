package domain

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// JobSpec is the caller-supplied description of a generation job. The
// idempotency key is optional; when present it must be kept stable by the
// caller across retries of the same logical submission, and admission uses
// it to guarantee at-most-one charge per submission.
type JobSpec struct {
	OwnerID           string         `json:"owner_id"            validate:"required"`
	Kind              TaskKind       `json:"kind"                validate:"required,oneof=IMAGE VIDEO AUDIO TEXT"`
	ProviderID        string         `json:"provider_id"         validate:"required"`
	Prompt            string         `json:"prompt"              validate:"required"`
	ReferenceInputs   []string       `json:"reference_inputs,omitempty" validate:"max=16,dive,url"`
	CorrelationNodeID string         `json:"correlation_node_id,omitempty"`
	IdempotencyKey    string         `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

var jobSpecValidator = validator.New()

// Validate checks the JobSpec against its struct tags. Returns an error
// wrapping ErrValidation so callers can classify it without inspecting
// the message.
func (s *JobSpec) Validate() error {
	if err := jobSpecValidator.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
