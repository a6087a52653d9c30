package helpers

import (
	"io"

	"github.com/emersion/go-message"
	"github.com/k3a/html2text"
)

// textParts accumulates the first plain and HTML bodies found while walking
// a message tree.
type textParts struct {
	plain string
	html  string
}

// ExtractTextBody returns the best-effort plain text body of a parsed
// message. A text/plain part wins over text/html; HTML is converted to text
// when no plain part exists. Attachments and non-text parts are skipped, and
// the result is sanitized for database storage.
func ExtractTextBody(entity *message.Entity) string {
	var parts textParts
	collectTextParts(entity, &parts)
	if parts.plain != "" {
		return SanitizeUTF8(parts.plain)
	}
	if parts.html != "" {
		return SanitizeUTF8(html2text.HTML2Text(parts.html))
	}
	return ""
}

func collectTextParts(entity *message.Entity, out *textParts) {
	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				// Malformed or truncated part, keep what we already have.
				break
			}
			collectTextParts(part, out)
			if out.plain != "" {
				return
			}
		}
		return
	}

	if disp, _, _ := entity.Header.ContentDisposition(); disp == "attachment" {
		return
	}

	mediaType, _, err := entity.Header.ContentType()
	if err != nil {
		// Unparseable Content-Type, RFC 2045 defaults to text/plain.
		mediaType = "text/plain"
	}

	switch mediaType {
	case "text/plain", "":
		if out.plain == "" {
			if b, err := io.ReadAll(entity.Body); err == nil {
				out.plain = string(b)
			}
		}
	case "text/html":
		if out.html == "" {
			if b, err := io.ReadAll(entity.Body); err == nil {
				out.html = string(b)
			}
		}
	}
}
