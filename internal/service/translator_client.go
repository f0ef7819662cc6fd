package service

import (
	"context"

	"github.com/zwy923/mailsift/config"
)

// TranslatorClient talks to the language detection and translation service.
type TranslatorClient struct {
	*baseClient
}

func NewTranslatorClient(ep config.ServiceEndpoint) *TranslatorClient {
	return &TranslatorClient{baseClient: newBaseClient("translator", ep)}
}

type detectRequest struct {
	Text string `json:"text"`
}

type detectResponse struct {
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

type translateRequest struct {
	Text       string `json:"text"`
	TargetLang string `json:"target_lang"`
}

type translateResponse struct {
	Text string `json:"text"`
}

// Detect returns the ISO language code of the text.
func (c *TranslatorClient) Detect(ctx context.Context, text string) (string, error) {
	var resp detectResponse
	if err := c.postJSON(ctx, "/detect", detectRequest{Text: text}, &resp); err != nil {
		return "", err
	}
	return resp.Language, nil
}

// Translate renders the text into the target language.
func (c *TranslatorClient) Translate(ctx context.Context, text, targetLang string) (string, error) {
	var resp translateResponse
	if err := c.postJSON(ctx, "/translate", translateRequest{Text: text, TargetLang: targetLang}, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}
