package model

import "time"

// Summary is the metadata-only view of a queued message returned by a listing.
type Summary struct {
	UID        uint32
	From       string
	Subject    string
	ReceivedAt time.Time
	Size       int64
}

// Message represents a single mailbox message with its content materialized.
type Message struct {
	UID         uint32
	From        string
	Subject     string
	Body        string
	Attachments []Attachment
	ReceivedAt  time.Time
	Size        int64
	Raw         []byte
}

// Summary returns the listing view of m.
func (m Message) Summary() Summary {
	return Summary{
		UID:        m.UID,
		From:       m.From,
		Subject:    m.Subject,
		ReceivedAt: m.ReceivedAt,
		Size:       m.Size,
	}
}

// Attachment is a file part of a message. It is owned by its Message and
// dropped once text has been extracted from it.
type Attachment struct {
	Filename string
	MIMEType string
	Size     int64
	Data     []byte
}

// AttachmentNames lists the filenames of attachments in message order.
func (m Message) AttachmentNames() []string {
	if len(m.Attachments) == 0 {
		return nil
	}
	names := make([]string, 0, len(m.Attachments))
	for _, att := range m.Attachments {
		names = append(names, att.Filename)
	}
	return names
}
