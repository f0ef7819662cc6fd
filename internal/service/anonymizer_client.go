package service

import (
	"context"

	"github.com/zwy923/mailsift/config"
)

// AnonymizerClient talks to the PII masking service.
type AnonymizerClient struct {
	*baseClient
}

func NewAnonymizerClient(ep config.ServiceEndpoint) *AnonymizerClient {
	return &AnonymizerClient{baseClient: newBaseClient("anonymizer", ep)}
}

type anonymizeRequest struct {
	Text string `json:"text"`
}

type anonymizeResponse struct {
	Text string `json:"text"`
}

// Anonymize returns the text with personal identifiers masked.
func (c *AnonymizerClient) Anonymize(ctx context.Context, text string) (string, error) {
	var resp anonymizeResponse
	if err := c.postJSON(ctx, "/anonymize", anonymizeRequest{Text: text}, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}
