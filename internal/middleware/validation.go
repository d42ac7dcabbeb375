package middleware

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/capitalize-ai/business-assistant/internal/model"
)

// MaxPriorTurns bounds the history a client may replay into one turn.
const MaxPriorTurns = 100

// ErrInvalidRequest wraps every validation failure.
var ErrInvalidRequest = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// ValidateMessageContent validates the user message of a turn.
func ValidateMessageContent(content string, maxLength int) error {
	if len(content) == 0 {
		return invalid("message cannot be empty")
	}
	if !utf8.ValidString(content) {
		return invalid("message must be valid UTF-8")
	}
	if maxLength > 0 && utf8.RuneCountInString(content) > maxLength {
		return invalid("message exceeds %d characters", maxLength)
	}
	return nil
}

// ValidateTurnRequest validates a turn request body.
func ValidateTurnRequest(req *model.TurnRequest, maxLength int) error {
	if err := ValidateMessageContent(req.Message, maxLength); err != nil {
		return err
	}
	if len(req.PriorTurns) > MaxPriorTurns {
		return invalid("at most %d prior turns are accepted", MaxPriorTurns)
	}
	for i, t := range req.PriorTurns {
		if t.Role != model.RoleUser && t.Role != model.RoleAssistant {
			return invalid("prior turn %d has role %q", i, t.Role)
		}
		if !utf8.ValidString(t.Content) {
			return invalid("prior turn %d must be valid UTF-8", i)
		}
		if strings.TrimSpace(t.Content) == "" {
			return invalid("prior turn %d is empty", i)
		}
	}
	return nil
}

// ValidateDispatchRequest validates the shape of a dispatch body. The payload
// itself is checked by the dispatcher.
func ValidateDispatchRequest(req *model.DispatchRequest) error {
	if !req.Kind.Valid() {
		return invalid("unknown kind %q", req.Kind)
	}
	if len(req.Payload) == 0 {
		return invalid("payload is required")
	}
	return nil
}

// ValidateTurnID validates a turn ID.
func ValidateTurnID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return invalid("invalid turn ID format")
	}
	return nil
}
