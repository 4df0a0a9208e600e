package vlm

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const systemPrompt = "You are a video segmentation assistant for robot manipulation footage. " +
	"You receive an ordered sequence of frames sampled from one video window. " +
	"Respond with JSON only."

// OpenAIConfig OpenAI 相容端點的連線與取樣參數。
// BaseURL 留空時走官方端點；本地 vLLM / Ollama 之類的服務填自己的位址。
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// OpenAI 透過 chat-completions 多模態介面呼叫視覺語言模型的後端
type OpenAI struct {
	client openai.Client
	cfg    OpenAIConfig
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	clientOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{client: openai.NewClient(clientOpts...), cfg: cfg}
}

func (b *OpenAI) Name() string { return "openai" }

func (b *OpenAI) Analyze(ctx context.Context, req Request) (string, error) {
	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(req.Prompt),
	}
	for _, fr := range req.Frames {
		if fr.PNGBase64 == "" {
			// 讀不到的影格仍佔一個序號，用文字佔位保住索引對齊
			parts = append(parts, openai.TextContentPart("[frame unavailable]"))
			continue
		}
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: "data:image/png;base64," + fr.PNGBase64,
		}))
	}

	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(parts),
		},
		Model:       b.cfg.Model,
		Temperature: openai.Float(b.cfg.Temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
		},
	}
	if b.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(b.cfg.MaxTokens))
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("vlm: backend returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
