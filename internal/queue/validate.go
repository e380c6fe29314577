package queue

import (
	"errors"
	"net/mail"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Validate checks the fields required to enqueue a message
func (m *Message) Validate() error {
	return validation.ValidateStruct(m,
		validation.Field(&m.WorkspaceID, validation.Required),
		validation.Field(&m.From),
		validation.Field(&m.To),
		validation.Field(&m.Subject, validation.Required),
		validation.Field(&m.HTMLBody, validation.When(m.TextBody == "", validation.Required.Error("html_body or text_body is required"))),
		validation.Field(&m.Priority, validation.Min(0), validation.Max(MaxPriority)),
		validation.Field(&m.MaxAttempts, validation.Min(0)),
		validation.Field(&m.SendWindow),
	)
}

// Validate implements validation.Validatable
func (s Sender) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Email, validation.Required, validation.By(emailAddress)),
	)
}

// Validate implements validation.Validatable
func (r Recipient) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, validation.By(emailAddress)),
	)
}

// Validate implements validation.Validatable
func (w SendWindow) Validate() error {
	return validation.ValidateStruct(&w,
		validation.Field(&w.StartHour, validation.Min(0), validation.Max(23)),
		validation.Field(&w.EndHour, validation.Min(0), validation.Max(24)),
		validation.Field(&w.Timezone, validation.By(func(value interface{}) error {
			tz, _ := value.(string)
			if tz == "" {
				return nil
			}
			if _, err := time.LoadLocation(tz); err != nil {
				return errors.New("unknown timezone")
			}
			return nil
		})),
	)
}

func emailAddress(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return errors.New("must be a valid email address")
	}
	return nil
}
