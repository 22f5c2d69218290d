package models

import (
	"errors"
	"strings"
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusDegraded indicates the request completed with reduced capability.
	APIStatusDegraded APIStatus = "degraded"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{response: APIResponse{}}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// Degraded creates a response for a request that completed with reduced capability.
func Degraded(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusDegraded).WithMessage(message).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}

// CreateConversationRequest is the payload for starting a conversation.
type CreateConversationRequest struct {
	UserID      string `json:"user_id"`
	PrivacyTier string `json:"privacy_tier"`
}

// Validate validates a CreateConversationRequest.
func (r *CreateConversationRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("user_id is required")
	}
	if _, err := ParsePrivacyTier(r.PrivacyTier); err != nil {
		return err
	}
	return nil
}

// TurnRequest is the payload for submitting a user turn.
type TurnRequest struct {
	Text string `json:"text"`
}

// Validate validates a TurnRequest.
func (r *TurnRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return ErrEmptyMessage
	}
	return nil
}

// TurnResult is what the coordinator returns for one handled turn.
type TurnResult struct {
	ConversationID string              `json:"conversation_id"`
	Response       string              `json:"response"`
	Specialist     SpecialistKind      `json:"specialist"`
	Stage          Stage               `json:"stage"`
	RiskLevel      RiskLevel           `json:"risk_level"`
	Escalated      bool                `json:"escalated"`
	Degraded       bool                `json:"degraded"`
	CrisisDegraded bool                `json:"crisis_degraded"`
	TimedOut       bool                `json:"timed_out"`
	Resources      []ResourceCandidate `json:"resources,omitempty"`
	Habit          *HabitSuggestion    `json:"habit,omitempty"`
}

// ConversationSummary is the externally visible view of a conversation.
type ConversationSummary struct {
	ConversationID string      `json:"conversation_id"`
	UserID         string      `json:"user_id"`
	Stage          Stage       `json:"stage"`
	RiskLevel      RiskLevel   `json:"risk_level"`
	PrivacyTier    PrivacyTier `json:"privacy_tier"`
	TurnCount      int         `json:"turn_count"`
	Closed         bool        `json:"closed"`
}
