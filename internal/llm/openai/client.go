package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/llm"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultModelName   = openai.ChatModelGPT4oMini
	defaultTimeout     = 60 * time.Second
	defaultTemperature = 0.7
	defaultMaxTokens   = 500
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int64         `yaml:"max_tokens"`
	MaxRetries  int           `yaml:"max_retries"`
}

// Client 通过官方 SDK 调用 OpenAI 兼容的大模型接口。
type Client struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int64
}

// NewClient 根据配置创建 OpenAI 客户端。extra 可追加 SDK 请求选项。
func NewClient(cfg Config, extra ...option.RequestOption) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	opts = append(opts, extra...)

	return &Client{
		client:      openai.NewClient(opts...),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
	}, nil
}

// Generate 调用 Chat Completions 接口生成文本。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.buildParams(req))
	if err != nil {
		retryable := true
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			retryable = apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
		}
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "请求 OpenAI 失败", xerrors.WithRetryable(retryable))
	}
	if len(resp.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeTransportFailure, "OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeTransportFailure, "OpenAI 响应内容为空")
	}
	return &llm.Response{Text: content}, nil
}

func (c *Client) buildParams(req llm.Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if instruction := strings.TrimSpace(req.Instruction); instruction != "" {
		messages = append(messages, openai.SystemMessage(instruction))
	}
	messages = append(messages, openai.UserMessage(llm.BuildPrompt(req)))

	return openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               c.model,
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(c.maxTokens),
	}
}

var _ llm.Client = (*Client)(nil)
