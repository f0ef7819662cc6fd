package imapx

import (
	"time"

	"github.com/zwy923/mailsift/internal/model"
)

// FetchedMessage is one message pulled from the remote store, decoded far
// enough for the sync engine: identity headers for threading, structure
// summary, and the preferred body variant.
type FetchedMessage struct {
	UID   uint32
	Flags model.FlagSet

	MessageID  string
	InReplyTo  string
	References []string

	Subject    string
	FromAddr   string
	Recipients []string
	SentAt     time.Time

	Size           int64
	HasAttachments bool
	ContentType    string
	Charset        string

	Body string
}
