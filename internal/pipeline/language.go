package pipeline

import (
	"context"
	"fmt"

	"github.com/zwy923/mailsift/config"
	"github.com/zwy923/mailsift/internal/model"
	"github.com/zwy923/mailsift/pkg/crypto"
	"github.com/zwy923/mailsift/pkg/faults"
)

// Translator is the detection and translation surface the stage needs.
type Translator interface {
	Detect(ctx context.Context, text string) (string, error)
	Translate(ctx context.Context, text, targetLang string) (string, error)
}

// LanguageStore persists the detected language and the encrypted
// translation.
type LanguageStore interface {
	SetLanguage(ctx context.Context, id int64, lang string) error
	SetTranslation(ctx context.Context, id int64, blob []byte) error
}

// LanguageStage detects the message language and, when it differs from the
// account's target language, stores a translation. Both artifacts are
// write-once.
type LanguageStage struct {
	client Translator
	store  LanguageStore
	box    *crypto.Box
	cfg    config.PipelineConfig
}

func NewLanguageStage(client Translator, store LanguageStore, box *crypto.Box, cfg config.PipelineConfig) *LanguageStage {
	return &LanguageStage{client: client, store: store, box: box, cfg: cfg}
}

func (s *LanguageStage) Name() string                      { return "language" }
func (s *LanguageStage) Completes() model.ProcessingStatus { return model.StatusTranslationDone }
func (s *LanguageStage) Fails() model.ProcessingStatus     { return model.StatusTranslationFailed }

func (s *LanguageStage) Run(ctx context.Context, acct *model.Account, msg *model.Message) Result {
	text, err := decryptContent(s.box, msg)
	if err != nil {
		return failWith(fmt.Errorf("decrypt content: %w", err))
	}
	if text == "" {
		return advanceWith(warning("empty_content", s.Name(), "nothing to detect"))
	}

	lang := msg.Language
	if lang == "" {
		sample, _ := truncateRunes(text, s.cfg.MaxTranslateChars)
		lang, err = s.client.Detect(ctx, sample)
		if err != nil {
			if ctx.Err() != nil {
				return failWith(err)
			}
			if faults.IsTransient(err) {
				// Service outage. The record keeps moving; classification
				// works without a language tag.
				return advanceWith(warning("detect_unavailable", s.Name(), err.Error()))
			}
			return advanceWith(warning("detect_rejected", s.Name(), err.Error()))
		}
		if err := s.store.SetLanguage(ctx, msg.ID, lang); err != nil {
			return failWith(fmt.Errorf("store language: %w", err))
		}
		msg.Language = lang
	}

	target := acct.TargetLanguage
	if target == "" || lang == "" || lang == target {
		return advanceWith()
	}
	if msg.EncTranslation != nil {
		return advanceWith()
	}

	source, truncated := truncateRunes(text, s.cfg.MaxTranslateChars)

	translated, err := s.client.Translate(ctx, source, target)
	if err != nil {
		if ctx.Err() != nil {
			return failWith(err)
		}
		if faults.IsTransient(err) {
			return advanceWith(warning("translate_unavailable", s.Name(), err.Error()))
		}
		return advanceWith(warning("translate_rejected", s.Name(), err.Error()))
	}

	blob, err := s.box.SealString(translated)
	if err != nil {
		return failWith(fmt.Errorf("seal translation: %w", err))
	}
	if err := s.store.SetTranslation(ctx, msg.ID, blob); err != nil {
		return failWith(fmt.Errorf("store translation: %w", err))
	}
	msg.EncTranslation = blob

	if truncated {
		return advanceWith(warning("translation_truncated", s.Name(),
			fmt.Sprintf("source cut to %d chars", s.cfg.MaxTranslateChars)))
	}
	return advanceWith()
}

// truncateRunes cuts s to at most max runes, never splitting a multi-byte
// sequence.
func truncateRunes(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s, false
	}
	return string(runes[:max]), true
}
