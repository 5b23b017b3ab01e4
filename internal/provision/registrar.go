package provision

import (
	"context"
	"encoding/hex"
	stdErrors "errors"
	"log/slog"
	"time"

	"ChainPilot/internal/account"
	"ChainPilot/internal/wallet"
	"ChainPilot/pkg/logger"
)

// RegistrationResult 汇报注册的三个独立结果：账户是否建档、
// 注资成功或失败、部署成功或待重试。客户端据此轮询或重试部署，
// 无需重新注册。
type RegistrationResult struct {
	Account *account.Account `json:"account"`
	Outcome *Outcome         `json:"provisioning"`
}

// Registrar 串联派生、加密、建档与开户流水线。
// 派生与加密失败直接向上冒泡，绝不留下半初始化的账户记录；
// 注资与部署的结果作为数据返回，注册本身总能完成。
type Registrar struct {
	store   account.Store
	custody *wallet.Custody
	orch    *Orchestrator
	timeout time.Duration
	log     *slog.Logger
}

// NewRegistrar 构造注册服务。timeout 是注资加部署的墙钟预算。
func NewRegistrar(store account.Store, custody *wallet.Custody, orch *Orchestrator, timeout time.Duration) *Registrar {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Registrar{
		store:   store,
		custody: custody,
		orch:    orch,
		timeout: timeout,
		log:     logger.Named("registrar"),
	}
}

// Register 为用户创建并开通一个托管账户。
func (r *Registrar) Register(ctx context.Context, userID string) (*RegistrationResult, error) {
	if userID != "" {
		if _, err := r.store.GetByUser(ctx, userID); err == nil {
			return nil, account.ErrAccountConflict
		} else if !stdErrors.Is(err, account.ErrAccountNotFound) {
			return nil, err
		}
	}

	material, err := wallet.NewAccountMaterial()
	if err != nil {
		return nil, err
	}

	encrypted, err := r.custody.Encrypt(material.PrivateKeyHex())
	if err != nil {
		return nil, err
	}
	// 明文私钥用完即清。
	for i := range material.PrivateKey {
		material.PrivateKey[i] = 0
	}

	acct := &account.Account{
		Address:         material.Address.Hex(),
		UserID:          userID,
		PublicKey:       hex.EncodeToString(material.PublicKey),
		AddressSalt:     hex.EncodeToString(material.Salt[:]),
		ConstructorArgs: hex.EncodeToString(material.ConstructorArgs),
		EncCiphertext:   encrypted.CiphertextHex(),
		EncNonce:        encrypted.NonceHex(),
		EncTag:          encrypted.TagHex(),
		Status:          account.StatusCreated,
	}
	if err := r.store.Create(ctx, acct); err != nil {
		return nil, err
	}
	logger.Audit().Info("托管账户已建档",
		slog.String("address", acct.Address),
		slog.String("user_id", userID),
	)

	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	outcome, err := r.orch.Provision(pctx, acct.Address)
	if err != nil {
		// 流水线的硬失败不阻断注册，状态以落档记录为准。
		r.log.Error("开户流水线异常",
			slog.String("address", acct.Address),
			slog.Any("error", err),
		)
		if outcome == nil {
			outcome = &Outcome{Address: acct.Address}
		}
	}

	// 以存储中的最终状态回填账户记录。
	if latest, getErr := r.store.Get(ctx, acct.Address); getErr == nil {
		acct = latest
	}

	return &RegistrationResult{Account: acct, Outcome: outcome}, nil
}
