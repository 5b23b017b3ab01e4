package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ChainPilot/internal/account"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/knowledge"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/tools"
)

// CommandRequest 描述用户提交的一条自然语言指令。
type CommandRequest struct {
	UserID  string `json:"user_id"`
	Command string `json:"command"`
}

// CommandResult 汇总意图解析与工具执行得到的结果。
type CommandResult struct {
	TraceID      string            `json:"trace_id"`
	UserID       string            `json:"user_id"`
	Address      string            `json:"address"`
	Command      string            `json:"command"`
	Action       string            `json:"action"`
	Params       map[string]string `json:"params,omitempty"`
	Thought      string            `json:"thought,omitempty"`
	Reply        string            `json:"reply"`
	Observations string            `json:"observations,omitempty"`
	CreatedAt    int64             `json:"created_at"`
}

// Agent 协调大模型意图解析与链上工具执行，是系统的业务核心。
type Agent struct {
	llmClient   llm.Client
	registry    *tools.Registry
	accounts    account.Store
	history     CommandRepository
	knowledge   knowledge.Provider
	memoryDepth int
	llmTimeout  time.Duration
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// defaultMemoryDepth 是大模型调用时可参考的历史指令数量的默认值。
const defaultMemoryDepth = 5

// WithMemoryDepth 设置大模型调用时可参考的历史指令数量。
func WithMemoryDepth(depth int) Option {
	return func(a *Agent) {
		a.memoryDepth = depth
	}
}

// WithKnowledgeProvider 配置知识库，用于在意图解析前补充协议上下文。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(a *Agent) {
		a.knowledge = provider
	}
}

// WithLLMTimeout 设置调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// New 创建一个 Agent。
func New(llmClient llm.Client, registry *tools.Registry, accounts account.Store, history CommandRepository, opts ...Option) *Agent {
	ag := &Agent{
		llmClient:   llmClient,
		registry:    registry,
		accounts:    accounts,
		history:     history,
		memoryDepth: defaultMemoryDepth,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.memoryDepth <= 0 {
		ag.memoryDepth = defaultMemoryDepth
	}
	return ag
}

// Execute 解析指令意图并调度对应的工具执行。
// 工具执行失败不会中断流程，失败原因以观察记录的形式返回给用户。
func (a *Agent) Execute(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	if a.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if a.accounts == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置账户存储")
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户标识不能为空")
	}
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "指令内容不能为空")
	}

	// 指令只能由已开户的用户发起。
	acct, err := a.accounts.GetByUser(ctx, userID)
	if err != nil {
		if stdErrors.Is(err, account.ErrAccountNotFound) {
			return nil, xerrors.Wrap(account.CodeAccountNotFound, err, "用户尚未开户")
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用户账户失败")
	}

	historyEntries, historyObservation := a.loadHistory(ctx, userID)
	knowledgeEntries, knowledgeObservation := a.collectKnowledge(command)

	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}

	intent, err := a.llmClient.ParseIntent(llmCtx, llm.Request{
		Command:   command,
		Address:   acct.Address,
		History:   historyEntries,
		Knowledge: knowledgeEntries,
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "意图解析超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "意图解析失败",
			xerrors.WithMetadata("stage", "parse_intent"))
	}

	observations := appendObservation(historyObservation, knowledgeObservation)
	reply := intent.Reply

	// chat 之外的动作都需要已部署的托管账户承接链上操作。
	if intent.Action != "chat" {
		switch {
		case a.registry == nil:
			observations = appendObservation(observations, "未配置工具注册表，已跳过链上执行")
		case !acct.IsDeployed:
			observations = appendObservation(observations, "托管账户尚未完成部署，已跳过链上执行")
		default:
			toolResult, toolErr := a.registry.Dispatch(ctx, intent.Action, tools.Call{
				Account: acct.Address,
				Params:  intent.Params,
			})
			if toolErr != nil {
				observations = appendObservation(observations, fmt.Sprintf("执行 %s 失败: %v", intent.Action, toolErr))
			} else {
				observations = appendObservation(observations, toolResult)
				reply = appendObservation(reply, toolResult)
			}
		}
	}

	now := time.Now().Unix()
	result := &CommandResult{
		TraceID:      uuid.NewString(),
		UserID:       userID,
		Address:      acct.Address,
		Command:      command,
		Action:       intent.Action,
		Params:       intent.Params,
		Thought:      intent.Thought,
		Reply:        reply,
		Observations: observations,
		CreatedAt:    now,
	}

	if a.history != nil {
		record := &CommandRecord{
			TraceID:      result.TraceID,
			UserID:       userID,
			Address:      acct.Address,
			Command:      command,
			Action:       intent.Action,
			Params:       encodeParams(intent.Params),
			Thought:      intent.Thought,
			Reply:        reply,
			Observations: observations,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := a.history.Create(ctx, record); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存指令记录失败")
		}
	}

	return result, nil
}

// ListHistory 获取用户最近的指令执行记录。
func (a *Agent) ListHistory(ctx context.Context, userID string, limit int) ([]CommandResult, error) {
	if a.history == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置指令仓库")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户标识不能为空")
	}

	records, err := a.history.ListLatest(ctx, userID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询指令记录失败")
	}

	results := make([]CommandResult, 0, len(records))
	for _, record := range records {
		results = append(results, CommandResult{
			TraceID:      record.TraceID,
			UserID:       record.UserID,
			Address:      record.Address,
			Command:      record.Command,
			Action:       record.Action,
			Params:       decodeParams(record.Params),
			Thought:      record.Thought,
			Reply:        record.Reply,
			Observations: record.Observations,
			CreatedAt:    record.CreatedAt,
		})
	}
	return results, nil
}

// appendObservation 将新的观察结果追加到现有的观察字符串中。
func appendObservation(existing, next string) string {
	next = strings.TrimSpace(next)
	if next == "" {
		return existing
	}
	if strings.TrimSpace(existing) == "" {
		return next
	}
	return existing + "\n" + next
}

// loadHistory 加载用户最近的指令记录以供大模型参考。
func (a *Agent) loadHistory(ctx context.Context, userID string) ([]llm.HistoryEntry, string) {
	if a.history == nil || a.memoryDepth <= 0 {
		return nil, ""
	}

	records, err := a.history.ListLatest(ctx, userID, a.memoryDepth)
	if err != nil {
		return nil, fmt.Sprintf("加载历史指令失败: %v", err)
	}

	history := make([]llm.HistoryEntry, 0, len(records))
	for _, record := range records {
		history = append(history, llm.HistoryEntry{
			Command:      record.Command,
			Action:       record.Action,
			Reply:        record.Reply,
			Observations: record.Observations,
			CreatedAt:    record.CreatedAt,
		})
	}
	return history, ""
}

// collectKnowledge 从知识库中检索相关内容以供大模型参考。
func (a *Agent) collectKnowledge(command string) ([]llm.KnowledgeCard, string) {
	if a.knowledge == nil {
		return nil, ""
	}

	snippets := a.knowledge.Query(command, "")
	if len(snippets) == 0 {
		return nil, ""
	}

	cards := make([]llm.KnowledgeCard, 0, len(snippets))
	titles := make([]string, 0, len(snippets))
	for _, snippet := range snippets {
		if strings.TrimSpace(snippet.Title) == "" && strings.TrimSpace(snippet.Content) == "" {
			continue
		}
		cards = append(cards, llm.KnowledgeCard{
			Title:   snippet.Title,
			Content: snippet.Content,
		})
		if snippet.Title != "" {
			titles = append(titles, snippet.Title)
		}
	}

	observation := ""
	if len(titles) > 0 {
		observation = fmt.Sprintf("知识库提示: %s", strings.Join(titles, "；"))
	}
	return cards, observation
}

func encodeParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func decodeParams(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var params map[string]string
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil
	}
	return params
}
