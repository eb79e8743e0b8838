package email

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shineum/sendipede/internal/errs"
)

// attachmentContentType is the content type used for every attachment part.
const attachmentContentType = "application/octet-stream"

// LoadAttachments reads every path fully into memory, in order. The files are
// read once per run and shared by all composed messages. The first missing or
// unreadable path aborts loading with an *errs.AttachmentError.
func LoadAttachments(paths []string) ([]Attachment, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	attachments := make([]Attachment, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, &errs.AttachmentError{Path: path, Err: err}
		}
		if info.IsDir() {
			return nil, &errs.AttachmentError{Path: path, Err: fmt.Errorf("is a directory")}
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return nil, &errs.AttachmentError{Path: path, Err: err}
		}

		attachments = append(attachments, Attachment{
			Filename:    filepath.Base(path),
			ContentType: attachmentContentType,
			Content:     content,
		})
	}

	return attachments, nil
}
