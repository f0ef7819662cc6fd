package imapx

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/zwy923/mailsift/internal/model"
	"github.com/zwy923/mailsift/pkg/faults"
)

// Session is one authenticated connection to an account's mail store,
// scoped to a single sync run.
type Session struct {
	client *imapclient.Client
}

// Dialer opens IMAP sessions. It exists so the sync engine can be driven by
// a fake store in tests.
type Dialer struct{}

// Dial connects and authenticates. Connection failures are transient; a
// rejected login is permanent and must not be retried against the server.
func (Dialer) Dial(ctx context.Context, acct *model.Account) (*Session, error) {
	addr := fmt.Sprintf("%s:%d", acct.Host, acct.Port)

	var client *imapclient.Client
	var err error
	if acct.UseTLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, faults.Transientf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(acct.Username, acct.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, faults.Permanentf("authentication failed for %s: %w", acct.Username, err)
	}

	return &Session{client: client}, nil
}

// ListFolders returns the selectable folder names of the account.
func (s *Session) ListFolders(ctx context.Context) ([]string, error) {
	listCmd := s.client.List("", "*", nil)
	mailboxes, err := listCmd.Collect()
	if err != nil {
		return nil, faults.Transientf("listing folders: %w", err)
	}

	var names []string
	for _, mbox := range mailboxes {
		selectable := true
		for _, attr := range mbox.Attrs {
			if attr == imap.MailboxAttrNoSelect {
				selectable = false
				break
			}
		}
		if selectable {
			names = append(names, mbox.Mailbox)
		}
	}
	return names, nil
}

// SelectFolder selects a folder and returns its validity epoch.
func (s *Session) SelectFolder(ctx context.Context, name string) (uint32, error) {
	data, err := s.client.Select(name, nil).Wait()
	if err != nil {
		return 0, faults.Transientf("selecting %s: %w", name, err)
	}
	return data.UIDValidity, nil
}

// SearchSince finds messages in the selected folder matching the account's
// configured filters (full fetch path).
func (s *Session) SearchSince(ctx context.Context, since time.Time, unseenOnly bool) ([]uint32, error) {
	criteria := &imap.SearchCriteria{}
	if !since.IsZero() {
		criteria.Since = since
	}
	if unseenOnly {
		criteria.NotFlag = []imap.Flag{imap.FlagSeen}
	}
	return s.search(criteria)
}

// SearchFrom finds messages with sequence id >= from (delta fetch path).
func (s *Session) SearchFrom(ctx context.Context, from uint32) ([]uint32, error) {
	var uidSet imap.UIDSet
	uidSet.AddRange(imap.UID(from), 0) // 0 stop means "*"
	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{uidSet},
	}
	return s.search(criteria)
}

func (s *Session) search(criteria *imap.SearchCriteria) ([]uint32, error) {
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, faults.Transientf("searching messages: %w", err)
	}

	var uids []uint32
	for _, uid := range data.AllUIDs() {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

// Fetch retrieves flags, envelope, size and body content for the given
// sequence ids. preferHTML picks the formatted body variant when both exist.
// The second return value lists requested ids that did not come back whole;
// the caller must not advance its sync position past them.
func (s *Session) Fetch(ctx context.Context, uids []uint32, preferHTML bool) ([]*FetchedMessage, []uint32, error) {
	if len(uids) == 0 {
		return nil, nil, nil
	}

	imapUIDs := make([]imap.UID, len(uids))
	for i, uid := range uids {
		imapUIDs[i] = imap.UID(uid)
	}
	uidSet := imap.UIDSetNum(imapUIDs...)

	bodySection := &imap.FetchItemBodySection{
		Peek: true,
	}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := s.client.Fetch(uidSet, fetchOpts)

	var out []*FetchedMessage
	got := make(map[uint32]bool, len(uids))
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			// Counted below through the requested-set diff; the uid is not
			// known until the items are collected.
			continue
		}

		fm := &FetchedMessage{
			UID:   uint32(buf.UID),
			Size:  buf.RFC822Size,
			Flags: flagSetFromIMAP(buf.Flags),
		}

		if buf.Envelope != nil {
			fm.Subject = buf.Envelope.Subject
			fm.SentAt = buf.Envelope.Date
			fm.MessageID = buf.Envelope.MessageID
			if len(buf.Envelope.From) > 0 {
				fm.FromAddr = buf.Envelope.From[0].Addr()
			}
			for _, to := range buf.Envelope.To {
				fm.Recipients = append(fm.Recipients, to.Addr())
			}
		}

		rawBody := buf.FindBodySection(bodySection)
		if rawBody != nil {
			parseRawMessage(rawBody, preferHTML, fm)
		}
		if fm.SentAt.IsZero() {
			fm.SentAt = time.Now().UTC()
		}

		got[fm.UID] = true
		out = append(out, fm)
	}

	if err := fetchCmd.Close(); err != nil {
		return out, nil, faults.Transientf("fetching messages: %w", err)
	}

	var dropped []uint32
	for _, uid := range uids {
		if !got[uid] {
			dropped = append(dropped, uid)
		}
	}
	return out, dropped, nil
}

// Close logs out and drops the connection.
func (s *Session) Close() error {
	return s.client.Logout().Wait()
}

func flagSetFromIMAP(flags []imap.Flag) model.FlagSet {
	var fs model.FlagSet
	for _, f := range flags {
		switch f {
		case imap.FlagSeen:
			fs.Seen = true
		case imap.FlagAnswered:
			fs.Answered = true
		case imap.FlagFlagged:
			fs.Flagged = true
		case imap.FlagDeleted:
			fs.Deleted = true
		case imap.FlagDraft:
			fs.Draft = true
		}
	}
	return fs
}
