package syncer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/zwy923/mailsift/config"
	"github.com/zwy923/mailsift/internal/imapx"
	"github.com/zwy923/mailsift/internal/model"
	"github.com/zwy923/mailsift/internal/repository"
	"github.com/zwy923/mailsift/pkg/crypto"
	"github.com/zwy923/mailsift/pkg/metrics"
)

// Mailstore is one selected-folder session against a remote message store.
type Mailstore interface {
	ListFolders(ctx context.Context) ([]string, error)
	SelectFolder(ctx context.Context, name string) (uint32, error)
	SearchSince(ctx context.Context, since time.Time, unseenOnly bool) ([]uint32, error)
	SearchFrom(ctx context.Context, from uint32) ([]uint32, error)
	Fetch(ctx context.Context, uids []uint32, preferHTML bool) ([]*imapx.FetchedMessage, []uint32, error)
	Close() error
}

// MailstoreDialer opens an authenticated session for an account.
type MailstoreDialer interface {
	Dial(ctx context.Context, acct *model.Account) (Mailstore, error)
}

// IMAPDialer adapts the concrete client to the MailstoreDialer interface.
type IMAPDialer struct {
	d imapx.Dialer
}

func (d IMAPDialer) Dial(ctx context.Context, acct *model.Account) (Mailstore, error) {
	return d.d.Dial(ctx, acct)
}

// MessageStore is the subset of message persistence the sync engine needs.
type MessageStore interface {
	Upsert(ctx context.Context, m *model.Message) (repository.UpsertOutcome, error)
	ThreadRefs(ctx context.Context, accountID int64, messageIDs []string) (map[string]model.ThreadRef, error)
}

// FolderStateStore tracks per-folder sync position and validity epoch.
type FolderStateStore interface {
	CheckEpoch(ctx context.Context, accountID int64, folder string, serverEpoch uint32) (*model.FolderState, bool, error)
	AdvanceHighestSeen(ctx context.Context, accountID int64, folder string, seq uint32) error
}

// Embedder produces an embedding vector for a piece of text. Optional at
// fetch time; the pipeline has its own embedding stage regardless.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Summary reports what one account sync actually did.
type Summary struct {
	Folders     int
	Fetched     int
	Inserted    int
	Updated     int
	Skipped     int
	Dropped     int
	Invalidated int
	Truncated   bool
}

// Syncer runs incremental synchronization for one account at a time.
type Syncer struct {
	dialer   MailstoreDialer
	messages MessageStore
	folders  FolderStateStore
	embedder Embedder
	cfg      config.SyncConfig
	logger   *zap.Logger
}

func NewSyncer(
	dialer MailstoreDialer,
	messages MessageStore,
	folders FolderStateStore,
	embedder Embedder,
	cfg config.SyncConfig,
	logger *zap.Logger,
) *Syncer {
	return &Syncer{
		dialer:   dialer,
		messages: messages,
		folders:  folders,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
	}
}

// NewIMAPSyncer wires the syncer to the real protocol client.
func NewIMAPSyncer(
	messages *repository.MessageRepository,
	folders *repository.FolderStateRepository,
	embedder Embedder,
	cfg config.SyncConfig,
	logger *zap.Logger,
) *Syncer {
	return NewSyncer(IMAPDialer{}, messages, folders, embedder, cfg, logger)
}

// SyncAccount connects, enumerates eligible folders, and pulls new messages
// folder by folder. box encrypts content fields before they reach storage
// and is owned by the caller.
func (s *Syncer) SyncAccount(ctx context.Context, acct *model.Account, box *crypto.Box) (*Summary, error) {
	session, err := s.dialer.Dial(ctx, acct)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	all, err := session.ListFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	eligible := FilterFolders(all, acct)

	summary := &Summary{Folders: len(eligible)}
	budget := s.cfg.MaxPerRun

	for _, folder := range eligible {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if budget <= 0 {
			summary.Truncated = true
			s.logger.Warn("run budget exhausted, remaining folders deferred",
				zap.Int64("account_id", acct.ID),
				zap.String("folder", folder))
			break
		}

		start := time.Now()
		n, err := s.syncFolder(ctx, session, acct, folder, box, &budget, summary)
		if err != nil {
			metrics.RecordSyncFolderDuration("error", time.Since(start))
			return summary, fmt.Errorf("folder %q: %w", folder, err)
		}
		metrics.RecordSyncFolderDuration("ok", time.Since(start))
		summary.Fetched += n
	}
	return summary, nil
}

func (s *Syncer) syncFolder(
	ctx context.Context,
	session Mailstore,
	acct *model.Account,
	folder string,
	box *crypto.Box,
	budget *int,
	summary *Summary,
) (int, error) {
	epoch, err := session.SelectFolder(ctx, folder)
	if err != nil {
		return 0, err
	}

	state, invalidated, err := s.folders.CheckEpoch(ctx, acct.ID, folder, epoch)
	if err != nil {
		return 0, err
	}
	if invalidated {
		summary.Invalidated++
		metrics.FolderInvalidations.Inc()
		s.logger.Warn("validity epoch changed, folder records invalidated",
			zap.Int64("account_id", acct.ID),
			zap.String("folder", folder),
			zap.Uint32("epoch", epoch))
	}

	uids, err := s.searchFolder(ctx, session, acct, state, invalidated)
	if err != nil {
		return 0, err
	}
	if len(uids) == 0 {
		return 0, nil
	}

	// Oldest first, then apply the per-folder and per-run caps. Cut ids stay
	// above highest_seen_seq and are picked up next run.
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	keep := s.cfg.MaxPerFolder
	if *budget < keep {
		keep = *budget
	}
	if len(uids) > keep {
		s.logger.Warn("folder batch truncated",
			zap.Int64("account_id", acct.ID),
			zap.String("folder", folder),
			zap.Int("found", len(uids)),
			zap.Int("kept", keep))
		uids = uids[:keep]
		summary.Truncated = true
	}
	*budget -= len(uids)

	fetched, dropped, err := session.Fetch(ctx, uids, acct.PreferHTML)
	if err != nil {
		return 0, err
	}
	if len(dropped) > 0 {
		summary.Dropped += len(dropped)
		s.logger.Warn("messages could not be fetched, sync position held back",
			zap.Int64("account_id", acct.ID),
			zap.String("folder", folder),
			zap.Uint32s("uids", dropped))
	}
	sort.SliceStable(fetched, func(i, j int) bool {
		if fetched[i].SentAt.Equal(fetched[j].SentAt) {
			return fetched[i].UID < fetched[j].UID
		}
		return fetched[i].SentAt.Before(fetched[j].SentAt)
	})

	identities, err := s.resolveBatchThreads(ctx, acct.ID, fetched)
	if err != nil {
		return 0, err
	}

	var highest uint32
	for _, fm := range fetched {
		rec, err := s.buildRecord(ctx, acct, folder, epoch, fm, identities, box)
		if err != nil {
			return 0, err
		}
		outcome, err := s.messages.Upsert(ctx, rec)
		if err != nil {
			return 0, fmt.Errorf("persist seq %d: %w", fm.UID, err)
		}
		metrics.IncMessagesPersisted(string(outcome))
		switch outcome {
		case repository.OutcomeInserted:
			summary.Inserted++
		case repository.OutcomeUpdated:
			summary.Updated++
		case repository.OutcomeSkipped:
			summary.Skipped++
		}
		if fm.UID > highest {
			highest = fm.UID
		}
	}

	// A dropped id below the persisted maximum must stay ahead of the sync
	// position or delta fetch would skip it forever.
	if len(dropped) > 0 {
		sort.Slice(dropped, func(i, j int) bool { return dropped[i] < dropped[j] })
		if lowest := dropped[0]; lowest-1 < highest {
			highest = lowest - 1
		}
	}

	if highest > 0 {
		if err := s.folders.AdvanceHighestSeen(ctx, acct.ID, folder, highest); err != nil {
			return 0, err
		}
	}
	return len(fetched), nil
}

// searchFolder picks the id range to pull. Delta mode continues from the
// stored position; a fresh or invalidated folder falls back to a time-window
// search.
func (s *Syncer) searchFolder(
	ctx context.Context,
	session Mailstore,
	acct *model.Account,
	state *model.FolderState,
	invalidated bool,
) ([]uint32, error) {
	if acct.DeltaSync && !invalidated && state.HighestSeenSeq > 0 {
		return session.SearchFrom(ctx, state.HighestSeenSeq+1)
	}
	since := time.Now().AddDate(0, 0, -acct.SinceDays)
	return session.SearchSince(ctx, since, acct.UnseenOnly)
}

func (s *Syncer) resolveBatchThreads(
	ctx context.Context,
	accountID int64,
	fetched []*imapx.FetchedMessage,
) (map[uint32]ThreadIdentity, error) {
	referenced := make(map[string]bool)
	for _, fm := range fetched {
		if fm.MessageID != "" {
			referenced[fm.MessageID] = true
		}
		if fm.InReplyTo != "" {
			referenced[fm.InReplyTo] = true
		}
		for _, ref := range fm.References {
			referenced[ref] = true
		}
	}
	ids := make([]string, 0, len(referenced))
	for id := range referenced {
		ids = append(ids, id)
	}

	known, err := s.messages.ThreadRefs(ctx, accountID, ids)
	if err != nil {
		return nil, fmt.Errorf("load thread refs: %w", err)
	}
	return ResolveThreads(fetched, known), nil
}

func (s *Syncer) buildRecord(
	ctx context.Context,
	acct *model.Account,
	folder string,
	epoch uint32,
	fm *imapx.FetchedMessage,
	identities map[uint32]ThreadIdentity,
	box *crypto.Box,
) (*model.Message, error) {
	encSubject, err := box.SealString(fm.Subject)
	if err != nil {
		return nil, fmt.Errorf("seal subject: %w", err)
	}
	encBody, err := box.SealString(fm.Body)
	if err != nil {
		return nil, fmt.Errorf("seal body: %w", err)
	}

	rec := &model.Message{
		UserID:        acct.UserID,
		AccountID:     acct.ID,
		Folder:        folder,
		ValidityEpoch: epoch,
		SequenceID:    fm.UID,

		Flags: fm.Flags,

		MessageID:  fm.MessageID,
		InReplyTo:  fm.InReplyTo,
		References: fm.References,

		FromAddr:   fm.FromAddr,
		Recipients: fm.Recipients,
		SentAt:     fm.SentAt,

		Size:           fm.Size,
		HasAttachments: fm.HasAttachments,
		ContentType:    fm.ContentType,
		Charset:        fm.Charset,

		EncSubject: encSubject,
		EncBody:    encBody,

		ProcessingStatus: model.StatusNew,
	}

	if identity, ok := identities[fm.UID]; ok {
		rec.ThreadID = identity.ThreadID
		rec.ParentSeq = identity.ParentSeq
	}

	if s.cfg.EmbedAtFetch && s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, fm.Subject+"\n"+fm.Body)
		if err != nil {
			// Embedding at fetch time is opportunistic; the pipeline stage
			// will retry it.
			rec.Warnings = append(rec.Warnings, model.Warning{
				Code:      "embed_at_fetch_failed",
				Stage:     "sync",
				Message:   err.Error(),
				Timestamp: time.Now().UTC(),
			})
		} else {
			rec.Embedding = vec
		}
	}
	return rec, nil
}
