package service

import (
	"context"

	"github.com/zwy923/mailsift/config"
)

// ClassifyRequest is the classifier input. Subject and Body are either raw
// or anonymized depending on the account's effective mode; the caller is
// responsible for never putting raw content here when the deployment is
// external.
type ClassifyRequest struct {
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Context  string `json:"context,omitempty"`
	Language string `json:"language,omitempty"`
	Sender   string `json:"sender,omitempty"`
	// SenderHint summarizes learned sender behavior, e.g. "mostly automated".
	SenderHint string `json:"sender_hint,omitempty"`
}

// ClassifyResponse is the classifier verdict.
type ClassifyResponse struct {
	Urgency    float64 `json:"urgency"`
	Importance float64 `json:"importance"`
	Category   string  `json:"category"`
	Priority   string  `json:"priority"`
	Spam       bool    `json:"spam"`
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`
}

// ClassifierClient talks to the classification service.
type ClassifierClient struct {
	*baseClient
	external bool
}

func NewClassifierClient(ep config.ServiceEndpoint) *ClassifierClient {
	return &ClassifierClient{baseClient: newBaseClient("classifier", ep), external: ep.External}
}

// External reports whether this deployment is remotely hosted and must only
// ever receive anonymized content.
func (c *ClassifierClient) External() bool { return c.external }

func (c *ClassifierClient) Classify(ctx context.Context, req ClassifyRequest) (*ClassifyResponse, error) {
	var resp ClassifyResponse
	if err := c.postJSON(ctx, "/classify", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
