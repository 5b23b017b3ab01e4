package tools

import (
	"context"
	"sort"
	"sync"

	xerrors "ChainPilot/internal/errors"
)

// 工具调度错误码。
const (
	CodeUnknownTool xerrors.Code = "UNKNOWN_TOOL"
	CodeToolFailure xerrors.Code = "TOOL_FAILURE"
)

func init() {
	xerrors.Register(CodeUnknownTool, xerrors.Attributes{
		Message:   "unknown tool",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeToolFailure, xerrors.Attributes{
		Message:   "tool invocation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// Call 携带一次工具调用的上下文：发起者的托管账户地址与解析出的参数。
type Call struct {
	Account string
	Params  map[string]string
}

// Param 返回指定参数，缺失时返回空串。
func (c Call) Param(key string) string {
	if c.Params == nil {
		return ""
	}
	return c.Params[key]
}

// Tool 是可被意图调度的链上操作单元。
type Tool interface {
	Name() string
	Description() string
	Invoke(ctx context.Context, call Call) (string, error)
}

// Registry 以名称索引工具，供意图解析结果动态调度。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry 创建空的工具注册表。
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register 注册一个工具，名称冲突时返回错误。
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "tool 不能为空")
	}
	name := tool.Name()
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return xerrors.New(xerrors.CodeConflict, "工具已注册: "+name)
	}
	r.tools[name] = tool
	return nil
}

// Dispatch 按名称调度工具。
func (r *Registry) Dispatch(ctx context.Context, name string, call Call) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", xerrors.New(CodeUnknownTool, "未知工具: "+name)
	}
	result, err := tool.Invoke(ctx, call)
	if err != nil {
		if _, structured := xerrors.From(err); structured {
			return "", err
		}
		return "", xerrors.Wrap(CodeToolFailure, err, "工具 "+name+" 执行失败")
	}
	return result, nil
}

// Names 返回已注册的工具名称，按字典序排列。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
