package provision

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ChainPilot/internal/account"
	"ChainPilot/internal/chain"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/alerting"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/treasury"
	"ChainPilot/pkg/logger"
)

// 开户流水线错误码。
const (
	CodeFundingFailed      xerrors.Code = "FUNDING_FAILED"
	CodeFundingUnconfirmed xerrors.Code = "FUNDING_UNCONFIRMED"
	CodeDeploymentFailed   xerrors.Code = "DEPLOYMENT_FAILED"
	CodeProvisionTimeout   xerrors.Code = "PROVISIONING_TIMEOUT"
	CodeProvisionBusy      xerrors.Code = "PROVISIONING_IN_FLIGHT"
)

func init() {
	xerrors.Register(CodeFundingFailed, xerrors.Attributes{
		Message:   "account funding failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeFundingUnconfirmed, xerrors.Attributes{
		Message:   "funding transaction not confirmed in time",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeDeploymentFailed, xerrors.Attributes{
		Message:   "account deployment failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeProvisionTimeout, xerrors.Attributes{
		Message:   "provisioning deadline exceeded",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeProvisionBusy, xerrors.Attributes{
		Message:   "account provisioning already in flight",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
}

// ErrProvisionBusy 表示同一账户的开户流水线已在执行中。
var ErrProvisionBusy = xerrors.New(CodeProvisionBusy, "账户开户流水线正在执行")

// Funder 是开户流水线对注资服务的最小依赖。
type Funder interface {
	Fund(ctx context.Context, to common.Address) treasury.FundingResult
}

// Outcome 汇总一次开户流水线的落档结果。注资与部署的失败都以数据
// 而不是 error 的形式向上传递，注册流程永远能够完成。
type Outcome struct {
	Address           string `json:"address"`
	Funded            bool   `json:"funded"`
	FundingTxRef      string `json:"funding_tx_ref,omitempty"`
	FundingFailed     bool   `json:"funding_failed,omitempty"`
	Deployed          bool   `json:"deployed"`
	DeploymentTxRef   string `json:"deployment_tx_ref,omitempty"`
	DeploymentPending bool   `json:"deployment_pending,omitempty"`
	TimedOut          bool   `json:"timed_out,omitempty"`
	ErrorCode         string `json:"error_code,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Orchestrator 驱动单个账户的开户状态机：
// created -> funding -> {funded | funding_failed}，
// funded -> deploying -> {deployed | deployment_pending}。
// 每一步链上调用完成后立即落档，超时只中止等待，不回滚已提交的副作用。
type Orchestrator struct {
	store       account.Store
	chain       chain.Client
	funder      Funder
	settleDelay time.Duration
	deployWait  time.Duration
	alerter     alerting.Dispatcher
	log         *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithSettleDelay 设置注资确认后、部署提交前的固定缓冲时间。
func WithSettleDelay(delay time.Duration) Option {
	return func(o *Orchestrator) {
		if delay >= 0 {
			o.settleDelay = delay
		}
	}
}

// WithDeployWait 设置后台部署调用自身的最长等待时间。
func WithDeployWait(wait time.Duration) Option {
	return func(o *Orchestrator) {
		if wait > 0 {
			o.deployWait = wait
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerter = dispatcher
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// NewOrchestrator 构造开户流水线。依赖全部显式注入，便于用假链客户端测试。
func NewOrchestrator(store account.Store, chainClient chain.Client, funder Funder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		chain:       chainClient,
		funder:      funder,
		settleDelay: 2 * time.Second,
		deployWait:  5 * time.Minute,
		log:         logger.Named("provision"),
		inFlight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// acquire 保证同一账户不会被并发推进。
func (o *Orchestrator) acquire(address string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[address]; busy {
		return false
	}
	o.inFlight[address] = struct{}{}
	return true
}

func (o *Orchestrator) release(address string) {
	o.mu.Lock()
	delete(o.inFlight, address)
	o.mu.Unlock()
}

// Provision 执行完整的开户流水线。注资与部署失败记录在 Outcome 中；
// 返回的 error 仅表示存储层或前置条件的硬失败。
func (o *Orchestrator) Provision(ctx context.Context, address string) (*Outcome, error) {
	if !o.acquire(address) {
		return nil, ErrProvisionBusy
	}
	defer o.release(address)

	acct, err := o.store.Get(ctx, address)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{Address: address}
	if acct.IsDeployed {
		outcome.Funded = true
		outcome.FundingTxRef = acct.FundingTxRef
		outcome.Deployed = true
		outcome.DeploymentTxRef = acct.DeploymentTxRef
		return outcome, nil
	}

	// 幂等重入：已注资的账户直接跳到部署阶段，绝不重复注资。
	if acct.IsFunded {
		outcome.Funded = true
		outcome.FundingTxRef = acct.FundingTxRef
	} else {
		done, err := o.runFunding(ctx, acct, outcome)
		if err != nil {
			return outcome, err
		}
		if done {
			return outcome, nil
		}
	}

	if err := o.runDeployment(ctx, acct, outcome); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// runFunding 执行注资阶段。返回 done=true 表示流水线应当就此结束。
func (o *Orchestrator) runFunding(ctx context.Context, acct *account.Account, outcome *Outcome) (bool, error) {
	if err := o.store.MarkFunding(ctx, acct.Address); err != nil {
		return false, err
	}

	result := o.funder.Fund(ctx, common.HexToAddress(acct.Address))
	if !result.Success {
		code := xerrors.CodeOf(result.Err)
		message := ""
		if result.Err != nil {
			message = result.Err.Error()
		}
		if err := o.store.MarkFundingFailed(ctx, acct.Address, string(code), message); err != nil {
			return false, err
		}
		outcome.FundingFailed = true
		outcome.ErrorCode = string(code)
		outcome.LastError = message
		metrics.ObserveProvisionStage("funding", "failed")
		if code == treasury.CodeQuotaExceeded {
			metrics.ObserveQuotaRejection()
		}
		logger.Audit().Warn("账户注资失败",
			slog.String("address", acct.Address),
			slog.String("error_code", string(code)),
			slog.String("error", message),
		)
		o.emitAlert(ctx, acct, code, result.Err, "funding")
		return true, nil
	}

	if err := o.store.MarkFunded(ctx, acct.Address, result.TxRef); err != nil {
		return false, err
	}
	outcome.Funded = true
	outcome.FundingTxRef = result.TxRef
	metrics.ObserveProvisionStage("funding", "success")
	logger.Audit().Info("账户注资已落档",
		slog.String("address", acct.Address),
		slog.String("tx_ref", result.TxRef),
	)

	// 注资交易确认之后才进入部署，避免对一笔被回滚的注资发起部署。
	if err := o.chain.WaitForConfirmation(ctx, result.TxRef); err != nil {
		code := CodeFundingUnconfirmed
		if ctx.Err() != nil {
			code = CodeProvisionTimeout
			outcome.TimedOut = true
		}
		if markErr := o.markPending(ctx, acct.Address, code, err.Error()); markErr != nil {
			return false, markErr
		}
		outcome.DeploymentPending = true
		outcome.ErrorCode = string(code)
		outcome.LastError = err.Error()
		metrics.ObserveProvisionStage("funding", "unconfirmed")
		o.emitAlert(ctx, acct, code, err, "funding_confirmation")
		return true, nil
	}

	// 注资确认后的固定缓冲，链上读取不保证立即可见。
	if o.settleDelay > 0 {
		select {
		case <-time.After(o.settleDelay):
		case <-ctx.Done():
			outcome.TimedOut = true
			if markErr := o.markPending(ctx, acct.Address, CodeProvisionTimeout, ctx.Err().Error()); markErr != nil {
				return false, markErr
			}
			outcome.DeploymentPending = true
			outcome.ErrorCode = string(CodeProvisionTimeout)
			metrics.ObserveProvisionStage("deployment", "timeout")
			return true, nil
		}
	}
	return false, nil
}

type deployResult struct {
	txRef string
	err   error
}

// runDeployment 提交部署交易并等待确认。调用方的截止时间只约束等待本身：
// 截止时间先到时流水线落档 deployment_pending 并立即返回，而在途的链上
// 调用继续执行，迟到的成功结果由后台补记。
func (o *Orchestrator) runDeployment(ctx context.Context, acct *account.Account, outcome *Outcome) error {
	if ctx.Err() != nil {
		outcome.TimedOut = true
		outcome.DeploymentPending = true
		outcome.ErrorCode = string(CodeProvisionTimeout)
		metrics.ObserveProvisionStage("deployment", "timeout")
		return o.markPending(ctx, acct.Address, CodeProvisionTimeout, ctx.Err().Error())
	}

	req, err := deployRequest(acct)
	if err != nil {
		return err
	}

	if err := o.store.MarkDeploying(ctx, acct.Address); err != nil {
		return err
	}

	detached := context.WithoutCancel(ctx)
	resCh := make(chan deployResult, 1)
	go func() {
		dctx, cancel := context.WithTimeout(detached, o.deployWait)
		defer cancel()
		txRef, deployErr := o.chain.Deploy(dctx, req)
		if deployErr == nil {
			deployErr = o.chain.WaitForConfirmation(dctx, txRef)
		}
		resCh <- deployResult{txRef: txRef, err: deployErr}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			if markErr := o.markPending(ctx, acct.Address, CodeDeploymentFailed, res.err.Error()); markErr != nil {
				return markErr
			}
			outcome.DeploymentPending = true
			outcome.ErrorCode = string(CodeDeploymentFailed)
			outcome.LastError = res.err.Error()
			metrics.ObserveProvisionStage("deployment", "pending")
			logger.Audit().Warn("账户部署失败，等待重试",
				slog.String("address", acct.Address),
				slog.String("error", res.err.Error()),
			)
			o.emitAlert(ctx, acct, CodeDeploymentFailed, res.err, "deployment")
			return nil
		}
		if err := o.store.MarkDeployed(ctx, acct.Address, res.txRef); err != nil {
			return err
		}
		outcome.Deployed = true
		outcome.DeploymentTxRef = res.txRef
		metrics.ObserveProvisionStage("deployment", "success")
		logger.Audit().Info("账户部署已落档",
			slog.String("address", acct.Address),
			slog.String("tx_ref", res.txRef),
		)
		return nil

	case <-ctx.Done():
		outcome.TimedOut = true
		outcome.DeploymentPending = true
		outcome.ErrorCode = string(CodeProvisionTimeout)
		metrics.ObserveProvisionStage("deployment", "timeout")
		if err := o.markPending(detached, acct.Address, CodeProvisionTimeout, ctx.Err().Error()); err != nil {
			return err
		}
		o.emitAlert(detached, acct, CodeProvisionTimeout, ctx.Err(), "deployment")
		// 在途的部署调用继续执行，迟到的成功结果补记到存储。
		go o.recordLateResult(detached, acct.Address, resCh)
		return nil
	}
}

// recordLateResult 补记超时后才返回的部署结果。
func (o *Orchestrator) recordLateResult(ctx context.Context, address string, resCh <-chan deployResult) {
	res := <-resCh
	if res.err != nil {
		o.log.Warn("超时后的部署调用最终失败",
			slog.String("address", address),
			slog.String("error", res.err.Error()),
		)
		return
	}
	if err := o.store.MarkDeployed(ctx, address, res.txRef); err != nil {
		o.log.Error("补记迟到的部署结果失败",
			slog.String("address", address),
			slog.Any("error", err),
		)
		return
	}
	metrics.ObserveProvisionStage("deployment", "late_success")
	logger.Audit().Info("迟到的部署结果已补记",
		slog.String("address", address),
		slog.String("tx_ref", res.txRef),
	)
}

// RetryDeployment 只重试部署阶段，要求账户已完成注资。
// 重试前先探测链上状态，已部署的地址不再重复提交。
func (o *Orchestrator) RetryDeployment(ctx context.Context, address string) (*Outcome, error) {
	if !o.acquire(address) {
		return nil, ErrProvisionBusy
	}
	defer o.release(address)

	acct, err := o.store.Get(ctx, address)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{Address: address, Funded: acct.IsFunded, FundingTxRef: acct.FundingTxRef}
	if acct.IsDeployed {
		outcome.Deployed = true
		outcome.DeploymentTxRef = acct.DeploymentTxRef
		return outcome, nil
	}
	if !acct.IsFunded {
		return nil, account.ErrStateConflict
	}

	deployed, err := o.chain.IsDeployed(ctx, common.HexToAddress(address))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "探测账户部署状态失败")
	}
	if deployed {
		if err := o.store.MarkDeployed(ctx, address, acct.DeploymentTxRef); err != nil {
			return nil, err
		}
		outcome.Deployed = true
		outcome.DeploymentTxRef = acct.DeploymentTxRef
		metrics.ObserveProvisionStage("retry", "already_deployed")
		logger.Audit().Info("链上已存在部署，直接落档",
			slog.String("address", address),
		)
		return outcome, nil
	}

	if err := o.runDeployment(ctx, acct, outcome); err != nil {
		return outcome, err
	}
	if outcome.Deployed {
		metrics.ObserveProvisionStage("retry", "success")
	}
	return outcome, nil
}

// markPending 将账户落档为部署待重试。存储写入使用与调用方解耦的上下文，
// 截止时间已到时状态仍然必须落档。
func (o *Orchestrator) markPending(ctx context.Context, address string, code xerrors.Code, message string) error {
	writeCtx := ctx
	if ctx.Err() != nil {
		writeCtx = context.WithoutCancel(ctx)
	}
	return o.store.MarkDeploymentPending(writeCtx, address, string(code), message)
}

// deployRequest 从落档的派生输入重建部署请求。
func deployRequest(acct *account.Account) (chain.DeployRequest, error) {
	publicKey, err := hex.DecodeString(acct.PublicKey)
	if err != nil {
		return chain.DeployRequest{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码账户公钥失败")
	}
	saltBytes, err := hex.DecodeString(acct.AddressSalt)
	if err != nil || len(saltBytes) != 32 {
		return chain.DeployRequest{}, xerrors.New(xerrors.CodeStorageFailure, "账户盐值已损坏")
	}
	constructorArgs, err := hex.DecodeString(acct.ConstructorArgs)
	if err != nil {
		return chain.DeployRequest{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码构造参数失败")
	}

	var salt [32]byte
	copy(salt[:], saltBytes)
	return chain.DeployRequest{
		Address:         common.HexToAddress(acct.Address),
		PublicKey:       publicKey,
		ConstructorArgs: constructorArgs,
		Salt:            salt,
	}, nil
}

func (o *Orchestrator) emitAlert(ctx context.Context, acct *account.Account, code xerrors.Code, cause error, stage string) {
	if o == nil || o.alerter == nil || acct == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert {
		return
	}
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		Address:    acct.Address,
		UserID:     acct.UserID,
		Stage:      stage,
		OccurredAt: time.Now(),
	}
	if err := o.alerter.Notify(ctx, event); err != nil {
		o.log.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("address", acct.Address),
			slog.String("stage", stage),
		)
	}
}
