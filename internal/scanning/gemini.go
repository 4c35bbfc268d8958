package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const (
	defaultGeminiModel = "gemini-2.5-flash"
	geminiTimeout      = 30 * time.Second
)

// Gemini reads vouchers with a Google Gemini model
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewGemini(apiKey, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if modelName == "" {
		modelName = defaultGeminiModel
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)

	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) ScanVoucher(ctx context.Context, imageData []byte, contentType string) (*VoucherData, error) {
	img, err := toPNG(imageData, contentType)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, geminiTimeout)
	defer cancel()

	resp, err := g.model.GenerateContent(ctx, genai.ImageData("png", img.Data), genai.Text(voucherScanPrompt))
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}

	answer := candidateText(resp)
	if answer == "" {
		return nil, errors.New("empty answer from gemini")
	}

	data, err := parseVoucherJSON(answer)
	if err != nil {
		return nil, fmt.Errorf("parsing voucher data: %w", err)
	}
	return data, nil
}

// candidateText joins the text parts of the first candidate
func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String()
}

func (g *Gemini) Close() error {
	return g.client.Close()
}
