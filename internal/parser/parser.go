// Package parser reads composed messages back into the email model.
// The stdout transport uses it to print what would have been delivered.
package parser

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/shineum/sendipede/internal/email"
)

var wordDecoder = new(mime.WordDecoder)

// Parse reads raw into an email.Message. The first text part becomes the
// body; every part carrying a filename or an attachment disposition becomes
// an attachment. Other leaf parts are ignored.
func Parse(raw []byte) (*email.Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	header := textproto.MIMEHeader(msg.Header)
	result := &email.Message{
		From:      header.Get("From"),
		To:        addresses(header.Get("To")),
		Subject:   decodeWords(header.Get("Subject")),
		MessageID: header.Get("Message-Id"),
		Headers:   make(map[string][]string, len(header)),
	}
	for key, values := range header {
		result.Headers[key] = values
	}

	if err := walk(header, msg.Body, result); err != nil {
		return nil, err
	}
	return result, nil
}

// walk descends into multipart entities and collects the leaves into result.
func walk(header textproto.MIMEHeader, body io.Reader, result *email.Message) error {
	mediaType, params := contentType(header)

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("%s entity without boundary", mediaType)
		}
		reader := multipart.NewReader(body, boundary)
		for {
			part, err := reader.NextPart()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read %s part: %w", mediaType, err)
			}
			if err := walk(part.Header, part, result); err != nil {
				return err
			}
		}
	}

	content, err := decode(header.Get("Content-Transfer-Encoding"), body)
	if err != nil {
		return fmt.Errorf("decode %s entity: %w", mediaType, err)
	}

	if name, ok := attachmentName(header, params); ok {
		result.Attachments = append(result.Attachments, email.Attachment{
			Filename:    name,
			ContentType: mediaType,
			Content:     content,
		})
		return nil
	}
	if strings.HasPrefix(mediaType, "text/") && result.TextBody == "" {
		result.TextBody = string(content)
	}
	return nil
}

// contentType defaults to text/plain when the header is missing or invalid.
func contentType(header textproto.MIMEHeader) (string, map[string]string) {
	mediaType, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil {
		return "text/plain", nil
	}
	return mediaType, params
}

// attachmentName reports whether the entity is an attachment and its name.
func attachmentName(header textproto.MIMEHeader, params map[string]string) (string, bool) {
	disposition, dparams, _ := mime.ParseMediaType(header.Get("Content-Disposition"))
	if name := dparams["filename"]; name != "" {
		return decodeWords(name), true
	}
	if name := params["name"]; name != "" {
		return decodeWords(name), true
	}
	return "", disposition == "attachment"
}

// decode undoes the transfer encoding. The multipart reader already strips
// quoted-printable from parts, so that case only applies to single-part bodies.
func decode(encoding string, body io.Reader) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		cleaned := strings.Join(strings.Fields(string(raw)), "")
		return base64.StdEncoding.DecodeString(cleaned)
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(body))
	default:
		return io.ReadAll(body)
	}
}

func decodeWords(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// addresses returns the bare addresses of a header list. An unparseable
// list is split on commas as-is.
func addresses(raw string) []string {
	if raw == "" {
		return nil
	}

	list, err := mail.ParseAddressList(raw)
	if err != nil {
		var out []string
		for _, field := range strings.Split(raw, ",") {
			if field = strings.TrimSpace(field); field != "" {
				out = append(out, field)
			}
		}
		return out
	}

	out := make([]string, len(list))
	for i, addr := range list {
		out[i] = addr.Address
	}
	return out
}
