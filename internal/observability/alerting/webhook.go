package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const webhookTimeout = 10 * time.Second

// DingTalkWebhook 通过钉钉群机器人 Webhook 发送文本消息。
type DingTalkWebhook struct {
	URL        string
	httpClient *http.Client
}

// NewDingTalkWebhook 创建钉钉 Webhook 发送器。
func NewDingTalkWebhook(url string) *DingTalkWebhook {
	return &DingTalkWebhook{
		URL:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: webhookTimeout},
	}
}

// Send 实现 DingTalkSender 接口。
func (s *DingTalkWebhook) Send(ctx context.Context, content string) error {
	if s == nil || s.URL == "" {
		return nil
	}
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	}
	return postJSON(ctx, s.httpClient, s.URL, payload)
}

// SlackWebhook 通过 Slack Incoming Webhook 发送消息。
type SlackWebhook struct {
	URL        string
	httpClient *http.Client
}

// NewSlackWebhook 创建 Slack Webhook 发送器。
func NewSlackWebhook(url string) *SlackWebhook {
	return &SlackWebhook{
		URL:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: webhookTimeout},
	}
}

// Send 实现 SlackSender 接口。
func (s *SlackWebhook) Send(ctx context.Context, channel, content string) error {
	if s == nil || s.URL == "" {
		return nil
	}
	payload := map[string]string{
		"channel": channel,
		"text":    content,
	}
	return postJSON(ctx, s.httpClient, s.URL, payload)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化告警消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("构建告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("告警服务返回错误状态 %d", resp.StatusCode)
	}
	return nil
}

var (
	_ DingTalkSender = (*DingTalkWebhook)(nil)
	_ SlackSender    = (*SlackWebhook)(nil)
)
