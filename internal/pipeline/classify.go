package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/zwy923/mailsift/config"
	"github.com/zwy923/mailsift/internal/model"
	"github.com/zwy923/mailsift/internal/service"
	"github.com/zwy923/mailsift/pkg/crypto"
)

// Classifier is the classification service surface the stage needs.
type Classifier interface {
	Classify(ctx context.Context, req service.ClassifyRequest) (*service.ClassifyResponse, error)
	External() bool
}

// Anonymizer masks personal identifiers before content leaves the host.
type Anonymizer interface {
	Anonymize(ctx context.Context, text string) (string, error)
}

// ResultStore persists classification verdicts.
type ResultStore interface {
	Insert(ctx context.Context, res *model.Result) error
	FindByMessageID(ctx context.Context, messageID int64) (*model.Result, error)
	DeleteByMessageID(ctx context.Context, messageID int64) error
}

// SenderStore reads and updates learned sender profiles.
type SenderStore interface {
	Find(ctx context.Context, userID int64, senderAddr string) (*model.SenderProfile, error)
	RecordObservation(ctx context.Context, userID int64, senderAddr string, category, priority string, spam, automated bool) error
}

// ClassifyStage produces the message's result record according to the
// account's analysis mode.
type ClassifyStage struct {
	classifier Classifier
	anonymizer Anonymizer
	results    ResultStore
	senders    SenderStore
	history    HistoryStore
	box        *crypto.Box
	cfg        config.PipelineConfig
}

func NewClassifyStage(
	classifier Classifier,
	anonymizer Anonymizer,
	results ResultStore,
	senders SenderStore,
	history HistoryStore,
	box *crypto.Box,
	cfg config.PipelineConfig,
) *ClassifyStage {
	return &ClassifyStage{
		classifier: classifier,
		anonymizer: anonymizer,
		results:    results,
		senders:    senders,
		history:    history,
		box:        box,
		cfg:        cfg,
	}
}

func (s *ClassifyStage) Name() string                      { return "classify" }
func (s *ClassifyStage) Completes() model.ProcessingStatus { return model.StatusClassified }
func (s *ClassifyStage) Fails() model.ProcessingStatus     { return model.StatusClassificationFailed }

// effectiveMode clamps the account's configured mode to what the deployment
// allows: raw content never goes to an externally hosted classifier.
func effectiveMode(mode model.AnalysisMode, external bool) model.AnalysisMode {
	if mode == model.ModeCloudRaw && external {
		return model.ModeCloudAnon
	}
	return mode
}

func (s *ClassifyStage) Run(ctx context.Context, acct *model.Account, msg *model.Message) Result {
	// A record re-entering this stage carries a verdict from before its
	// reset. Replace, never mutate.
	if existing, err := s.results.FindByMessageID(ctx, msg.ID); err != nil {
		return failWith(fmt.Errorf("load prior result: %w", err))
	} else if existing != nil {
		if err := s.results.DeleteByMessageID(ctx, msg.ID); err != nil {
			return failWith(fmt.Errorf("drop stale result: %w", err))
		}
	}

	mode := effectiveMode(acct.AnalysisMode, s.classifier.External())
	var warnings []model.Warning
	if mode != acct.AnalysisMode {
		warnings = append(warnings, warning("mode_clamped", s.Name(),
			fmt.Sprintf("%s clamped to %s for external classifier", acct.AnalysisMode, mode)))
	}

	if mode == model.ModeNone {
		return advanceWith(warnings...)
	}

	subject, body, err := s.decryptForAnalysis(msg)
	if err != nil {
		return failWith(err)
	}

	if mode == model.ModeLocal {
		res := localVerdict(subject, body, msg)
		if r := s.storeResult(ctx, acct, msg, res, "local-heuristic"); r.Err != nil {
			return r
		}
		return advanceWith(warnings...)
	}

	threadCtx, err := buildThreadContext(ctx, s.history, s.box, msg, s.cfg.ContextHistory, s.cfg.ContextMaxBytes)
	if err != nil {
		return failWith(err)
	}
	profile, err := s.senders.Find(ctx, acct.UserID, msg.FromAddr)
	if err != nil {
		return failWith(fmt.Errorf("load sender profile: %w", err))
	}

	req := service.ClassifyRequest{
		Subject:    subject,
		Body:       body,
		Context:    threadCtx,
		Language:   msg.Language,
		Sender:     msg.FromAddr,
		SenderHint: senderHint(profile),
	}

	if mode == model.ModeCloudAnon {
		// Masking failure means nothing leaves the host. The record waits.
		req, err = s.anonymizeRequest(ctx, req)
		if err != nil {
			warnings = append(warnings, warning("anonymizer_unavailable", s.Name(), err.Error()))
			return holdWith(warnings...)
		}
	}

	verdict, err := s.classifier.Classify(ctx, req)
	if err != nil {
		return failWith(err)
	}

	provenance := "classifier-service"
	if profile != nil && profile.Confidence >= s.cfg.OverrideConfidence &&
		profile.LearnedCategory != "" && profile.LearnedCategory != verdict.Category {
		verdict.Category = profile.LearnedCategory
		if profile.LearnedPriority != "" {
			verdict.Priority = profile.LearnedPriority
		}
		provenance = "sender-override"
	}

	if r := s.storeResult(ctx, acct, msg, verdict, provenance); r.Err != nil {
		return r
	}
	return advanceWith(warnings...)
}

func (s *ClassifyStage) decryptForAnalysis(msg *model.Message) (subject, body string, err error) {
	if len(msg.EncSubject) > 0 {
		if subject, err = s.box.OpenString(msg.EncSubject); err != nil {
			return "", "", fmt.Errorf("decrypt subject: %w", err)
		}
	}
	// Analyze the translated rendition when one exists.
	blob := msg.EncBody
	if len(msg.EncTranslation) > 0 {
		blob = msg.EncTranslation
	}
	if len(blob) > 0 {
		if body, err = s.box.OpenString(blob); err != nil {
			return "", "", fmt.Errorf("decrypt body: %w", err)
		}
	}
	return subject, body, nil
}

func (s *ClassifyStage) anonymizeRequest(ctx context.Context, req service.ClassifyRequest) (service.ClassifyRequest, error) {
	var err error
	if req.Subject, err = s.anonymizer.Anonymize(ctx, req.Subject); err != nil {
		return req, err
	}
	if req.Body, err = s.anonymizer.Anonymize(ctx, req.Body); err != nil {
		return req, err
	}
	if req.Context != "" {
		if req.Context, err = s.anonymizer.Anonymize(ctx, req.Context); err != nil {
			return req, err
		}
	}
	return req, nil
}

func (s *ClassifyStage) storeResult(
	ctx context.Context,
	acct *model.Account,
	msg *model.Message,
	verdict *service.ClassifyResponse,
	provenance string,
) Result {
	encSummary, err := s.box.SealString(verdict.Summary)
	if err != nil {
		return failWith(fmt.Errorf("seal summary: %w", err))
	}
	res := &model.Result{
		MessageID:  msg.ID,
		Urgency:    verdict.Urgency,
		Importance: verdict.Importance,
		Category:   verdict.Category,
		Priority:   verdict.Priority,
		SpamFlag:   verdict.Spam,
		EncSummary: encSummary,
		Provenance: provenance,
		Confidence: verdict.Confidence,
	}
	if err := s.results.Insert(ctx, res); err != nil {
		return failWith(fmt.Errorf("store result: %w", err))
	}
	if err := s.senders.RecordObservation(ctx, acct.UserID, msg.FromAddr,
		verdict.Category, verdict.Priority, verdict.Spam, isAutomatedSender(msg.FromAddr)); err != nil {
		return failWith(fmt.Errorf("record sender observation: %w", err))
	}
	return Result{Advance: true}
}

// localVerdict is the built-in keyword booster used in local mode. Crude on
// purpose; it exists so classification still works fully offline.
func localVerdict(subject, body string, msg *model.Message) *service.ClassifyResponse {
	text := strings.ToLower(subject + " " + body)

	urgency := 0.2
	for _, kw := range []string{"urgent", "asap", "immediately", "deadline", "action required"} {
		if strings.Contains(text, kw) {
			urgency = 0.8
			break
		}
	}

	spam := false
	spamHits := 0
	for _, kw := range []string{"unsubscribe", "free money", "winner", "lottery", "click here now"} {
		if strings.Contains(text, kw) {
			spamHits++
		}
	}
	if spamHits >= 2 {
		spam = true
	}

	priority := "MEDIUM"
	if urgency >= 0.8 {
		priority = "HIGH"
	} else if spam || isAutomatedSender(msg.FromAddr) {
		priority = "LOW"
	}

	return &service.ClassifyResponse{
		Urgency:    urgency,
		Importance: 0.5,
		Category:   "general",
		Priority:   priority,
		Spam:       spam,
		Summary:    subject,
		Confidence: 0.4,
	}
}

func isAutomatedSender(addr string) bool {
	addr = strings.ToLower(addr)
	for _, marker := range []string{"no-reply", "noreply", "donotreply", "notification", "mailer-daemon"} {
		if strings.Contains(addr, marker) {
			return true
		}
	}
	return false
}
