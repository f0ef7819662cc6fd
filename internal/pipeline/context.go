package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zwy923/mailsift/internal/model"
	"github.com/zwy923/mailsift/pkg/crypto"
)

// HistoryStore loads older messages of a thread, newest first.
type HistoryStore interface {
	ThreadHistory(ctx context.Context, accountID int64, threadID string, before time.Time, limit int) ([]*model.Message, error)
}

// buildThreadContext renders prior thread messages into a compact text block
// for the classifier. Entries are ordered oldest first; when the block
// exceeds maxBytes the oldest entries are dropped first.
func buildThreadContext(
	ctx context.Context,
	store HistoryStore,
	box *crypto.Box,
	msg *model.Message,
	historyLimit, maxBytes int,
) (string, error) {
	if msg.ThreadID == "" || historyLimit <= 0 {
		return "", nil
	}
	history, err := store.ThreadHistory(ctx, msg.AccountID, msg.ThreadID, msg.SentAt, historyLimit)
	if err != nil {
		return "", fmt.Errorf("thread history: %w", err)
	}
	if len(history) == 0 {
		return "", nil
	}

	// History arrives newest first; render oldest first.
	entries := make([]string, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		prev := history[i]
		var subject string
		if len(prev.EncSubject) > 0 {
			if subject, err = box.OpenString(prev.EncSubject); err != nil {
				return "", fmt.Errorf("decrypt history subject: %w", err)
			}
		}
		entries = append(entries, fmt.Sprintf("[%s] %s: %s",
			prev.SentAt.Format("2006-01-02"), prev.FromAddr, subject))
	}

	if maxBytes > 0 {
		for len(entries) > 0 && blockSize(entries) > maxBytes {
			entries = entries[1:]
		}
	}
	return strings.Join(entries, "\n"), nil
}

func blockSize(entries []string) int {
	n := 0
	for _, e := range entries {
		n += len(e) + 1
	}
	return n
}

// senderHint summarizes learned sender behavior for the classifier prompt.
func senderHint(profile *model.SenderProfile) string {
	if profile == nil || profile.MessageCount == 0 {
		return ""
	}
	parts := []string{fmt.Sprintf("%d prior messages", profile.MessageCount)}
	if ratio := profile.AutomatedRatio(); ratio >= 0.8 {
		parts = append(parts, "mostly automated")
	}
	if profile.LearnedCategory != "" {
		parts = append(parts, fmt.Sprintf("usually %s", profile.LearnedCategory))
	}
	return strings.Join(parts, ", ")
}
