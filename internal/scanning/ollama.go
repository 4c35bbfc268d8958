package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "llava"
	ollamaTimeout      = 120 * time.Second

	ollamaSystemPrompt = "You read payment vouchers and transfer receipts and extract accurate information from them."
)

// Ollama reads vouchers with a vision model served by a local Ollama.
// llava:1.6 and qwen2-vl:7b handle Yape and bank vouchers well.
type Ollama struct {
	chatURL string
	model   string
	client  *http.Client
}

func NewOllama(baseURL, modelName string) (*Ollama, error) {
	return NewOllamaWithClient(baseURL, modelName, &http.Client{Timeout: ollamaTimeout}), nil
}

// NewOllamaWithClient creates an Ollama scanner on the given HTTP client
func NewOllamaWithClient(baseURL, modelName string, client *http.Client) *Ollama {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if modelName == "" {
		modelName = defaultOllamaModel
	}
	return &Ollama{
		chatURL: strings.TrimRight(baseURL, "/") + "/api/chat",
		model:   modelName,
		client:  client,
	}
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

func (o *Ollama) ScanVoucher(ctx context.Context, imageData []byte, contentType string) (*VoucherData, error) {
	img, err := toPNG(imageData, contentType)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, ollamaTimeout)
	defer cancel()

	answer, err := o.chat(ctx, ollamaChatRequest{
		Model:  o.model,
		Format: "json",
		Messages: []ollamaMessage{
			{Role: "system", Content: ollamaSystemPrompt},
			{
				Role:    "user",
				Content: voucherScanPrompt,
				Images:  []string{base64.StdEncoding.EncodeToString(img.Data)},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	data, err := parseVoucherJSON(answer.Content)
	if err != nil {
		return nil, fmt.Errorf("parsing voucher data: %w", err)
	}
	return data, nil
}

// chat posts one non-streaming chat request and returns the reply message
func (o *Ollama) chat(ctx context.Context, body ollamaChatRequest) (ollamaMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return ollamaMessage{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.chatURL, bytes.NewReader(payload))
	if err != nil {
		return ollamaMessage{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return ollamaMessage{}, fmt.Errorf("calling ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ollamaMessage{}, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ollamaMessage{}, fmt.Errorf("decoding ollama reply: %w", err)
	}
	return out.Message, nil
}

// Close is a no-op, the HTTP client holds nothing open
func (o *Ollama) Close() error {
	return nil
}
