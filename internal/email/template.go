package email

import (
	"fmt"
	"os"
	"strings"

	"github.com/shineum/sendipede/internal/errs"
)

// ParseTemplate splits a message source into subject and body on the first
// newline. A trailing carriage return on the subject line is dropped so that
// CRLF sources produce the same subject as LF sources.
//
// A source without any newline is rejected with errs.ErrMalformedMessage.
// A source whose only newline is the last character yields an empty body.
func ParseTemplate(source string) (*Template, error) {
	subject, body, found := strings.Cut(source, "\n")
	if !found {
		return nil, errs.ErrMalformedMessage
	}

	return &Template{
		Subject: strings.TrimSuffix(subject, "\r"),
		Body:    body,
	}, nil
}

// LoadTemplate reads the message source at path and parses it, then resolves
// the given attachment paths into the template.
func LoadTemplate(path string, attachments []string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.InputError{Source: path, Err: err}
	}

	tmpl, err := ParseTemplate(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	atts, err := LoadAttachments(attachments)
	if err != nil {
		return nil, err
	}
	tmpl.Attachments = atts

	return tmpl, nil
}
