package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/zwy923/mailsift/config"
	"github.com/zwy923/mailsift/internal/model"
	"github.com/zwy923/mailsift/pkg/crypto"
	"github.com/zwy923/mailsift/pkg/faults"
)

// EmbedBatcher is the embedding service surface the stage needs.
type EmbedBatcher interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingStore persists derived vectors.
type EmbeddingStore interface {
	SetEmbedding(ctx context.Context, id int64, vec []float32) error
}

// EmbeddingStage derives one embedding vector per message by chunking the
// decrypted content and mean-pooling the chunk vectors.
type EmbeddingStage struct {
	client EmbedBatcher
	store  EmbeddingStore
	box    *crypto.Box
	cfg    config.PipelineConfig
}

func NewEmbeddingStage(client EmbedBatcher, store EmbeddingStore, box *crypto.Box, cfg config.PipelineConfig) *EmbeddingStage {
	return &EmbeddingStage{client: client, store: store, box: box, cfg: cfg}
}

func (s *EmbeddingStage) Name() string                     { return "embedding" }
func (s *EmbeddingStage) Completes() model.ProcessingStatus { return model.StatusEmbeddingDone }
func (s *EmbeddingStage) Fails() model.ProcessingStatus     { return model.StatusEmbeddingFailed }

func (s *EmbeddingStage) Run(ctx context.Context, _ *model.Account, msg *model.Message) Result {
	// A vector attached at fetch time is final.
	if msg.Embedding != nil {
		return advanceWith()
	}

	text, err := decryptContent(s.box, msg)
	if err != nil {
		return failWith(fmt.Errorf("decrypt content: %w", err))
	}
	if text == "" {
		return advanceWith(warning("empty_content", s.Name(), "no content to embed"))
	}

	chunks := chunkText(text, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	vectors, err := s.client.EmbedBatch(ctx, chunks)
	if err != nil {
		if ctx.Err() != nil {
			// Run deadline, not a service verdict. The driver leaves the
			// record where it is.
			return failWith(err)
		}
		if faults.IsTransient(err) {
			// Service outage. The record moves on without a vector and tag
			// matching degrades to handoff-only.
			return advanceWith(warning("embed_unavailable", s.Name(), err.Error()))
		}
		// The service rejected the content. Move on without a vector rather
		// than parking the record forever.
		return advanceWith(warning("embed_rejected", s.Name(), err.Error()))
	}

	vec := meanPool(vectors)
	if err := s.store.SetEmbedding(ctx, msg.ID, vec); err != nil {
		return failWith(fmt.Errorf("store embedding: %w", err))
	}
	msg.Embedding = vec
	return advanceWith()
}

func decryptContent(box *crypto.Box, msg *model.Message) (string, error) {
	var subject, body string
	var err error
	if len(msg.EncSubject) > 0 {
		if subject, err = box.OpenString(msg.EncSubject); err != nil {
			return "", err
		}
	}
	if len(msg.EncBody) > 0 {
		if body, err = box.OpenString(msg.EncBody); err != nil {
			return "", err
		}
	}
	if subject == "" && body == "" {
		return "", nil
	}
	return subject + "\n" + body, nil
}

func warning(code, stage, message string) model.Warning {
	return model.Warning{Code: code, Stage: stage, Message: message, Timestamp: time.Now().UTC()}
}
