package imap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mail-assist/model"
)

// ParseMessage decodes a raw RFC 5322 message into its body text and its
// attachments in message order. text/plain is preferred for the body; HTML is
// converted to Markdown when no plain part exists. A non-nil error with
// non-empty results means the message was only partly readable.
func ParseMessage(raw []byte) (string, []model.Attachment, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return rawBody(raw), nil, fmt.Errorf("read mime header: %w", err)
	}
	defer mr.Close()

	var (
		plain, html string
		attachments []model.Attachment
		partErr     error
	)

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			partErr = fmt.Errorf("read mime part: %w", err)
			break
		}
		if part == nil {
			continue
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				partErr = fmt.Errorf("read inline part: %w", err)
				continue
			}
			switch {
			case contentType == "text/plain" || contentType == "":
				if plain == "" {
					plain = string(data)
				}
			case contentType == "text/html":
				if html == "" {
					html = string(data)
				}
			default:
				_, dispParams, _ := h.ContentDisposition()
				attachments = append(attachments, model.Attachment{
					Filename: firstNonEmpty(dispParams["filename"], params["name"]),
					MIMEType: contentType,
					Size:     int64(len(data)),
					Data:     data,
				})
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				partErr = fmt.Errorf("read attachment %q: %w", filename, err)
				continue
			}
			attachments = append(attachments, model.Attachment{
				Filename: filename,
				MIMEType: contentType,
				Size:     int64(len(data)),
				Data:     data,
			})
		}
	}

	body := strings.TrimSpace(plain)
	if body == "" && html != "" {
		md, err := htmltomarkdown.ConvertString(html)
		if err != nil {
			body = strings.TrimSpace(html)
		} else {
			body = strings.TrimSpace(md)
		}
	}
	return body, attachments, partErr
}

func rawBody(raw []byte) string {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return strings.TrimSpace(string(raw[idx+4:]))
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return strings.TrimSpace(string(raw[idx+2:]))
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
