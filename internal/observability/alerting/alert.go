package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/pkg/logger"
)

// Channel 表示告警投递渠道。
type Channel string

// 支持的告警渠道
const (
	ChannelEmail    Channel = "email"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
)

// Event 描述开户流水线中一次需要人工关注的事件，
// 例如资金划拨失败、额度耗尽或合约部署失败。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	Channel    Channel
	Address    string
	UserID     string
	Stage      string
	Metadata   map[string]string
	OccurredAt time.Time
}

// render 生成渠道无关的告警正文，各通知器在此基础上做渠道格式包装。
func (e Event) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", e.Severity, e.Code, e.Message)
	if e.Address != "" {
		fmt.Fprintf(&b, "\n账户: %s", e.Address)
	}
	if e.UserID != "" {
		fmt.Fprintf(&b, "\n用户: %s", e.UserID)
	}
	if e.Stage != "" {
		fmt.Fprintf(&b, "\n阶段: %s", e.Stage)
	}
	if !e.OccurredAt.IsZero() {
		fmt.Fprintf(&b, "\n时间: %s", e.OccurredAt.Format(time.RFC3339))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n%s: %s", k, e.Metadata[k])
		}
	}
	return b.String()
}

// Notifier 负责将事件发送到某个具体渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给所有已注册的渠道。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 顺序投递到全部渠道，单个渠道失败不会阻断其余渠道。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 创建 FanoutDispatcher，同一渠道重复注册时保留先注册者。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	seen := make(map[Channel]struct{}, len(notifiers))
	kept := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		if _, dup := seen[n.Channel()]; dup {
			continue
		}
		seen[n.Channel()] = struct{}{}
		kept = append(kept, n)
	}
	return &FanoutDispatcher{notifiers: kept}
}

// Notify 将事件广播至所有渠道，返回各渠道错误的聚合结果。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// skipUnconfigured 统一记录未配置渠道被跳过的情况。
func skipUnconfigured(channel Channel, event Event) {
	logger.L().Warn("告警渠道未配置，跳过发送",
		slog.String("channel", string(channel)),
		slog.String("address", event.Address),
		slog.String("code", string(event.Code)),
	)
}

// EmailSender 定义发送邮件所需的能力。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 通过邮件发送告警。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify 发送邮件，主题包含错误码与严重级别。
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		skipUnconfigured(ChannelEmail, event)
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)
	return n.Sender.Send(ctx, subject, event.render(), n.To)
}

// DingTalkSender 负责向钉钉机器人发送消息。
type DingTalkSender interface {
	Send(ctx context.Context, content string) error
}

// DingTalkNotifier 通过钉钉机器人发送告警。
type DingTalkNotifier struct {
	Sender DingTalkSender
}

func (n *DingTalkNotifier) Channel() Channel { return ChannelDingTalk }

// Notify 发送钉钉消息。
func (n *DingTalkNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		skipUnconfigured(ChannelDingTalk, event)
		return nil
	}
	return n.Sender.Send(ctx, event.render())
}

// SlackSender 负责向 Slack 频道发送消息。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier 通过 Slack 发送告警。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息，首行加粗便于在频道中快速定位。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.ChannelID == "" {
		skipUnconfigured(ChannelSlack, event)
		return nil
	}
	content := fmt.Sprintf("*%s*\n%s", event.Code, event.render())
	return n.Sender.Send(ctx, n.ChannelID, content)
}

var (
	_ Dispatcher = (*FanoutDispatcher)(nil)
	_ Notifier   = (*EmailNotifier)(nil)
	_ Notifier   = (*DingTalkNotifier)(nil)
	_ Notifier   = (*SlackNotifier)(nil)
)
