package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	xerrors "AAHB-Assistant/internal/errors"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook 以 JSON POST 的方式调用机器人接口，同时满足钉钉与 Slack 的发送接口。
type Webhook struct {
	URL    string
	Client *http.Client
}

// NewWebhook 创建 Webhook，client 为空时使用默认超时。
func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &Webhook{URL: url, Client: client}
}

type dingTalkText struct {
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

type slackText struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// Send 以钉钉文本消息格式发送。
func (w *Webhook) Send(ctx context.Context, content string) error {
	msg := dingTalkText{MsgType: "text"}
	msg.Text.Content = content
	return w.post(ctx, msg)
}

// SlackSender 返回以 Slack incoming webhook 格式发送的适配器。
func (w *Webhook) SlackSender() SlackSender {
	return slackWebhook{w}
}

type slackWebhook struct{ w *Webhook }

func (s slackWebhook) Send(ctx context.Context, channel, content string) error {
	return s.w.post(ctx, slackText{Channel: channel, Text: content})
}

func (w *Webhook) post(ctx context.Context, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码告警消息失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造告警请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "发送告警失败")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return xerrors.New(xerrors.CodeTransportFailure, fmt.Sprintf("告警接口返回 %d", resp.StatusCode))
	}
	return nil
}
