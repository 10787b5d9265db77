package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/llm"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultModelName   = anthropic.ModelClaude3_5Sonnet20241022
	defaultTimeout     = 60 * time.Second
	defaultTemperature = 0.7
	defaultMaxTokens   = 500
)

// Config 描述了调用 Anthropic Messages API 所需的信息。
type Config struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int64         `yaml:"max_tokens"`
	MaxRetries  int           `yaml:"max_retries"`
}

// Client 通过官方 SDK 调用 Claude 模型。
type Client struct {
	client      anthropic.Client
	model       anthropic.Model
	temperature float64
	maxTokens   int64
}

// NewClient 根据配置创建 Anthropic 客户端。extra 可追加 SDK 请求选项。
func NewClient(cfg Config, extra ...option.RequestOption) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 Anthropic API Key")
	}

	model := anthropic.Model(strings.TrimSpace(cfg.Model))
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
		client:      anthropic.NewClient(opts...),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
	}, nil
}

// Generate 调用 Messages 接口生成文本，多个文本块按顺序拼接。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := c.client.Messages.New(ctx, c.buildParams(req))
	if err != nil {
		retryable := true
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			retryable = apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
		}
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "请求 Anthropic 失败", xerrors.WithRetryable(retryable))
	}

	var builder strings.Builder
	for _, block := range resp.Content {
		if block.Type != "text" {
			continue
		}
		builder.WriteString(block.AsText().Text)
	}
	content := strings.TrimSpace(builder.String())
	if content == "" {
		return nil, xerrors.New(xerrors.CodeTransportFailure, "Anthropic 响应内容为空")
	}
	return &llm.Response{Text: content}, nil
}

func (c *Client) buildParams(req llm.Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(c.temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(llm.BuildPrompt(req))),
		},
	}
	if instruction := strings.TrimSpace(req.Instruction); instruction != "" {
		params.System = []anthropic.TextBlockParam{{Text: instruction}}
	}
	return params
}

var _ llm.Client = (*Client)(nil)
