package imapx

import (
	"bytes"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// parseRawMessage parses a raw RFC 2822 message and fills the identity
// headers, the structure summary and the body of fm. The formatted (HTML)
// body is preferred over plain text when preferHTML is set, because it
// carries layout that downstream stages rely on.
func parseRawMessage(raw []byte, preferHTML bool, fm *FetchedMessage) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Unparseable MIME: treat the payload as plain text.
		fm.Body = string(raw)
		fm.ContentType = "text/plain"
		return
	}
	defer mr.Close()

	if fm.MessageID == "" {
		if msgID, err := mr.Header.MessageID(); err == nil {
			fm.MessageID = msgID
		}
	}
	if ids, err := mr.Header.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		fm.InReplyTo = ids[0]
	}
	if refs, err := mr.Header.MsgIDList("References"); err == nil {
		fm.References = refs
	}

	var textBody, htmlBody string
	var textCharset, htmlCharset string

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain") && textBody == "":
				textBody = string(body)
				textCharset = params["charset"]
			case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
				htmlBody = string(body)
				htmlCharset = params["charset"]
			}

		case *mail.AttachmentHeader:
			fm.HasAttachments = true
			// Drain so the reader can advance.
			_, _ = io.Copy(io.Discard, part.Body)
		}
	}

	if preferHTML && htmlBody != "" {
		fm.Body = htmlBody
		fm.ContentType = "text/html"
		fm.Charset = htmlCharset
	} else if textBody != "" {
		fm.Body = textBody
		fm.ContentType = "text/plain"
		fm.Charset = textCharset
	} else if htmlBody != "" {
		fm.Body = htmlBody
		fm.ContentType = "text/html"
		fm.Charset = htmlCharset
	}
}
