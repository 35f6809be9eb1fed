package models

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Payload is the typed body of a PendingAction. Each variant belongs to
// exactly one ActionType.
type Payload interface {
	ActionType() ActionType
}

// ScoreUpdatePayload records a judge's score for one participant and criterion.
type ScoreUpdatePayload struct {
	CompetitionID string  `json:"competition_id" validate:"required"`
	ParticipantID string  `json:"participant_id" validate:"required"`
	JudgeID       string  `json:"judge_id" validate:"required"`
	Criterion     string  `json:"criterion" validate:"required"`
	Score         float64 `json:"score" validate:"gte=0"`
}

func (ScoreUpdatePayload) ActionType() ActionType { return ActionTypeScoreUpdate }

// CreatePayload creates a record in a server collection.
type CreatePayload struct {
	Collection string                 `json:"collection" validate:"required,oneof=scores competitions participants"`
	Fields     map[string]interface{} `json:"fields" validate:"required"`
}

func (CreatePayload) ActionType() ActionType { return ActionTypeCreate }

// UpdatePayload changes fields of an existing record.
type UpdatePayload struct {
	Collection string                 `json:"collection" validate:"required,oneof=scores competitions participants"`
	Fields     map[string]interface{} `json:"fields" validate:"required,min=1"`
}

func (UpdatePayload) ActionType() ActionType { return ActionTypeUpdate }

// DeletePayload removes a record.
type DeletePayload struct {
	Collection string `json:"collection" validate:"required,oneof=scores competitions participants"`
}

func (DeletePayload) ActionType() ActionType { return ActionTypeDelete }

// ValidatePayload checks the struct tags of a payload variant.
func ValidatePayload(p Payload) error {
	if p == nil {
		return fmt.Errorf("payload is nil")
	}
	return validate.Struct(p)
}

// EncodePayload validates and serializes a payload.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if err := ValidatePayload(p); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", p.ActionType(), err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses raw JSON into the variant selected by t.
func DecodePayload(t ActionType, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case ActionTypeScoreUpdate:
		var v ScoreUpdatePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case ActionTypeCreate:
		var v CreatePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case ActionTypeUpdate:
		var v UpdatePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case ActionTypeDelete:
		var v DeletePayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown action type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", t, err)
	}
	if err := ValidatePayload(p); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", t, err)
	}
	return p, nil
}
