package domain

const (
	EventTypeCreditsUpdated = "credits-updated"
	EventTypeError          = "error"
)

// ContentEvent carries one relayed delta.
type ContentEvent struct {
	Content string `json:"content"`
}

type CreditsUpdatedEvent struct {
	Type             string `json:"type"`
	CreditsConsumed  int64  `json:"credits_consumed"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

type ErrorEvent struct {
	Type                string `json:"type"`
	Message             string `json:"message"`
	InsufficientCredits bool   `json:"insufficient_credits,omitempty"`
	RequiredCredits     *int64 `json:"required_credits,omitempty"`
	AvailableCredits    *int64 `json:"available_credits,omitempty"`
}

func InsufficientCreditsEvent(message string, required, available int64) ErrorEvent {
	return ErrorEvent{
		Type:                EventTypeError,
		Message:             message,
		InsufficientCredits: true,
		RequiredCredits:     &required,
		AvailableCredits:    &available,
	}
}

// EventSink delivers events to the live caller. A Send error means the
// caller is gone.
type EventSink interface {
	Send(event any) error
}
