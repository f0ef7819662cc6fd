package service

import (
	"context"

	"github.com/zwy923/mailsift/config"
	"github.com/zwy923/mailsift/pkg/faults"
)

// EmbedderClient talks to the embedding service.
type EmbedderClient struct {
	*baseClient
}

func NewEmbedderClient(ep config.ServiceEndpoint) *EmbedderClient {
	return &EmbedderClient{baseClient: newBaseClient("embedder", ep)}
}

type embedRequest struct {
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

// EmbedBatch returns one vector per input text, in order.
func (c *EmbedderClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var resp embedResponse
	if err := c.postJSON(ctx, "/embed", embedRequest{Texts: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Vectors) != len(texts) {
		return nil, faults.Permanentf("embedder returned %d vectors for %d texts", len(resp.Vectors), len(texts))
	}
	return resp.Vectors, nil
}

// Embed is the single-text convenience used at fetch time.
func (c *EmbedderClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
