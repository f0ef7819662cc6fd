package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/zwy923/mailsift/config"
	contracts "github.com/zwy923/mailsift/contracts/mq"
	"github.com/zwy923/mailsift/internal/model"
)

// TagStore reads the user's tags and persists assignments.
type TagStore interface {
	ListByUser(ctx context.Context, userID int64) ([]*model.Tag, error)
	SaveAssignments(ctx context.Context, assignments []model.TagAssignment) error
}

// TagCache caches tag vectors across a batch.
type TagCache interface {
	Get(ctx context.Context, userID int64) ([]*model.Tag, bool)
	Set(ctx context.Context, userID int64, tags []*model.Tag)
}

// RulesPublisher hands finished records to the downstream rule engine.
type RulesPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// TagStage matches the message embedding against the user's tag vectors,
// stores assignments and suggestions, and hands the record to the rule
// engine.
type TagStage struct {
	tags      TagStore
	cache     TagCache
	results   ResultStore
	publisher RulesPublisher
	cfg       config.PipelineConfig
}

func NewTagStage(tags TagStore, cache TagCache, results ResultStore, publisher RulesPublisher, cfg config.PipelineConfig) *TagStage {
	return &TagStage{tags: tags, cache: cache, results: results, publisher: publisher, cfg: cfg}
}

func (s *TagStage) Name() string                      { return "tags" }
func (s *TagStage) Completes() model.ProcessingStatus { return model.StatusRulesApplied }
func (s *TagStage) Fails() model.ProcessingStatus     { return model.StatusHandoffFailed }

func (s *TagStage) Run(ctx context.Context, acct *model.Account, msg *model.Message) Result {
	var warnings []model.Warning

	if msg.Embedding == nil {
		warnings = append(warnings, warning("no_embedding", s.Name(), "tag matching skipped"))
	} else {
		tags, hit := s.cache.Get(ctx, acct.UserID)
		if !hit {
			var err error
			tags, err = s.tags.ListByUser(ctx, acct.UserID)
			if err != nil {
				return failWith(fmt.Errorf("load tags: %w", err))
			}
			s.cache.Set(ctx, acct.UserID, tags)
		}

		assignments := s.match(msg, tags)
		if len(assignments) > 0 {
			if err := s.tags.SaveAssignments(ctx, assignments); err != nil {
				return failWith(fmt.Errorf("save tag assignments: %w", err))
			}
		}
	}

	if err := s.handoff(ctx, acct, msg); err != nil {
		return failWith(err)
	}
	return advanceWith(warnings...)
}

// match scores every tag by cosine similarity and keeps the top matches.
// Scores at or above the auto threshold assign outright; scores in the
// suggest band only propose. The suggest floor rises slightly with the tag
// count so a crowded tag set does not drown the user in near-miss
// suggestions.
func (s *TagStage) match(msg *model.Message, tags []*model.Tag) []model.TagAssignment {
	auto := s.cfg.AutoTagThreshold
	suggest := s.cfg.SuggestTagThreshold + 0.002*float64(len(tags))
	if suggest > auto {
		suggest = auto
	}

	var candidates []model.TagAssignment
	for _, tag := range tags {
		if len(tag.Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(msg.Embedding, tag.Embedding)
		if sim < suggest {
			continue
		}
		candidates = append(candidates, model.TagAssignment{
			MessageID:  msg.ID,
			TagID:      tag.ID,
			Suggested:  sim < auto,
			Similarity: sim,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})
	if max := s.cfg.MaxTagsPerMessage; max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}
	return candidates
}

func (s *TagStage) handoff(ctx context.Context, acct *model.Account, msg *model.Message) error {
	payload := contracts.RulesApplyPayload{
		MessageID: msg.ID,
		UserID:    acct.UserID,
		AccountID: acct.ID,
		ThreadID:  msg.ThreadID,
	}
	res, err := s.results.FindByMessageID(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("load result for handoff: %w", err)
	}
	if res != nil {
		payload.Category = res.Category
		payload.Priority = res.Priority
		payload.Urgency = res.Urgency
		payload.Importance = res.Importance
		payload.SpamFlag = res.SpamFlag
	}
	if err := s.publisher.Publish(ctx, contracts.RoutingRulesApply, payload); err != nil {
		return fmt.Errorf("publish rules.apply: %w", err)
	}
	return nil
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
