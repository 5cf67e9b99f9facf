package domain

import (
	"fmt"
	"strings"
)

// Deliverability represents a contact's email deliverability status.
type Deliverability string

const (
	DeliverabilityDeliverable  Deliverability = "DELIVERABLE"
	DeliverabilityUnsubscribed Deliverability = "UNSUBSCRIBED"
	DeliverabilityBounced      Deliverability = "BOUNCED"
)

func (d Deliverability) String() string { return string(d) }

func (d Deliverability) IsValid() bool {
	switch d {
	case DeliverabilityDeliverable, DeliverabilityUnsubscribed, DeliverabilityBounced:
		return true
	}
	return false
}

func ParseDeliverabilityFromString(s string) (Deliverability, error) {
	d := Deliverability(strings.ToUpper(strings.TrimSpace(s)))
	if !d.IsValid() {
		return "", fmt.Errorf("%w: invalid deliverability %q", ErrValidation, s)
	}
	return d, nil
}

// ContactSnapshot is the read-only contact view the engine consumes.
// Attributes holds the named values used for merge-field substitution.
type ContactSnapshot struct {
	ID             string
	Classification string
	Email          string
	Deliverability Deliverability
	Attributes     map[string]string
}

// CanReceiveEmail reports whether sends to this contact are permitted.
func (c *ContactSnapshot) CanReceiveEmail() bool {
	if c == nil {
		return false
	}
	return strings.TrimSpace(c.Email) != "" && c.Deliverability == DeliverabilityDeliverable
}

// DisplayName builds the recipient name from the first_name/last_name attributes.
func (c *ContactSnapshot) DisplayName() string {
	if c == nil {
		return ""
	}
	name := strings.TrimSpace(c.Attributes["first_name"] + " " + c.Attributes["last_name"])
	return name
}
