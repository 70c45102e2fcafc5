package notify

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Action is a button shown on a notification.
type Action struct {
	Action string `json:"action" validate:"required"`
	Title  string `json:"title" validate:"required"`
	Icon   string `json:"icon,omitempty"`
}

type Data struct {
	URL string `json:"url,omitempty"`
}

// Payload is the JSON body of a push message.
type Payload struct {
	Title              string   `json:"title" validate:"required"`
	Body               string   `json:"body"`
	Tag                string   `json:"tag,omitempty"`
	Icon               string   `json:"icon,omitempty"`
	Badge              string   `json:"badge,omitempty"`
	RequireInteraction bool     `json:"requireInteraction,omitempty"`
	Actions            []Action `json:"actions,omitempty" validate:"omitempty,dive"`
	Data               Data     `json:"data,omitempty"`
}

var validate = validator.New()

// ParsePayload decodes and validates a push message.
func ParsePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	p.Title = strings.TrimSpace(p.Title)
	p.Tag = strings.TrimSpace(p.Tag)
	if err := validate.Struct(p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return p, nil
}
