// Package email defines the message model shared by the delivery pipeline:
// the run-wide template and the per-recipient composed message.
package email

// Template holds the subject, body and attachments shared read-only by every
// message of a run.
type Template struct {
	Subject     string
	Body        string
	Attachments []Attachment
}

// Message represents a single-recipient message, either composed for
// submission or parsed back from its raw form.
type Message struct {
	From        string
	To          []string
	Subject     string
	TextBody    string
	Attachments []Attachment
	Headers     map[string][]string
	MessageID   string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}
