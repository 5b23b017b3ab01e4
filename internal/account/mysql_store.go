package account

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "ChainPilot/internal/errors"
)

// MySQLStore 使用 MySQL 记录托管账户状态。
type MySQLStore struct {
	db *sql.DB
}

// MySQLConfig 描述 MySQL 存储的连接参数。
type MySQLConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS custodial_accounts (
        address VARCHAR(42) PRIMARY KEY,
        user_id VARCHAR(64) NOT NULL DEFAULT '',
        public_key VARCHAR(130) NOT NULL,
        address_salt VARCHAR(64) NOT NULL,
        constructor_args TEXT NOT NULL,
        enc_ciphertext TEXT NOT NULL,
        enc_nonce VARCHAR(24) NOT NULL,
        enc_tag VARCHAR(32) NOT NULL,
        status VARCHAR(32) NOT NULL,
        is_funded TINYINT(1) NOT NULL DEFAULT 0,
        funding_tx_ref VARCHAR(66) DEFAULT '',
        funded_at BIGINT NOT NULL DEFAULT 0,
        is_deployed TINYINT(1) NOT NULL DEFAULT 0,
        deployment_tx_ref VARCHAR(66) DEFAULT '',
        is_deployment_pending TINYINT(1) NOT NULL DEFAULT 0,
        deployment_requested_at BIGINT NOT NULL DEFAULT 0,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_account_user (user_id),
        INDEX idx_account_pending (is_deployment_pending, deployment_requested_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 custodial_accounts 表失败")
	}
	return nil
}

// Create 插入新的账户记录。
func (s *MySQLStore) Create(ctx context.Context, acct *Account) error {
	if acct == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "account 不能为空")
	}
	if strings.TrimSpace(acct.Address) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "账户地址不能为空")
	}

	now := time.Now().Unix()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	if acct.Status == "" {
		acct.Status = StatusCreated
	}

	const stmt = `INSERT INTO custodial_accounts
        (address, user_id, public_key, address_salt, constructor_args,
         enc_ciphertext, enc_nonce, enc_tag, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		acct.Address,
		acct.UserID,
		acct.PublicKey,
		acct.AddressSalt,
		acct.ConstructorArgs,
		acct.EncCiphertext,
		acct.EncNonce,
		acct.EncTag,
		string(acct.Status),
		acct.CreatedAt,
		acct.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return ErrAccountConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账户记录失败")
	}
	return nil
}

const selectColumns = `address, user_id, public_key, address_salt, constructor_args,
        enc_ciphertext, enc_nonce, enc_tag, status,
        is_funded, funding_tx_ref, funded_at,
        is_deployed, deployment_tx_ref,
        is_deployment_pending, deployment_requested_at,
        last_error, error_code, created_at, updated_at`

// Get 返回账户。
func (s *MySQLStore) Get(ctx context.Context, address string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM custodial_accounts WHERE address = ?`, address)
	return scanAccount(row)
}

// GetByUser 返回指定用户的账户。
func (s *MySQLStore) GetByUser(ctx context.Context, userID string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM custodial_accounts WHERE user_id = ? LIMIT 1`, userID)
	return scanAccount(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var acct Account
	var status string
	var lastError sql.NullString
	err := row.Scan(
		&acct.Address,
		&acct.UserID,
		&acct.PublicKey,
		&acct.AddressSalt,
		&acct.ConstructorArgs,
		&acct.EncCiphertext,
		&acct.EncNonce,
		&acct.EncTag,
		&status,
		&acct.IsFunded,
		&acct.FundingTxRef,
		&acct.FundedAt,
		&acct.IsDeployed,
		&acct.DeploymentTxRef,
		&acct.IsDeploymentPending,
		&acct.DeploymentRequestedAt,
		&lastError,
		&acct.ErrorCode,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取账户记录失败")
	}
	acct.Status = Status(status)
	acct.LastError = lastError.String
	return &acct, nil
}

// guardedUpdate 执行带状态约束的更新；约束不满足时区分记录不存在与状态冲突。
func (s *MySQLStore) guardedUpdate(ctx context.Context, address, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新账户记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.Get(ctx, address); err != nil {
		return err
	}
	return ErrStateConflict
}

// MarkFunding 将账户标记为注资进行中。
func (s *MySQLStore) MarkFunding(ctx context.Context, address string) error {
	const stmt = `UPDATE custodial_accounts
        SET status = ?, updated_at = ?
        WHERE address = ? AND is_funded = 0`
	return s.guardedUpdate(ctx, address, stmt, string(StatusFunding), time.Now().Unix(), address)
}

// MarkFunded 记录注资成功。
func (s *MySQLStore) MarkFunded(ctx context.Context, address, fundingTxRef string) error {
	now := time.Now().Unix()
	const stmt = `UPDATE custodial_accounts
        SET is_funded = 1, funding_tx_ref = ?, funded_at = ?, status = ?,
            last_error = '', error_code = '', updated_at = ?
        WHERE address = ? AND is_funded = 0`
	return s.guardedUpdate(ctx, address, stmt, fundingTxRef, now, string(StatusFunded), now, address)
}

// MarkFundingFailed 记录注资失败。
func (s *MySQLStore) MarkFundingFailed(ctx context.Context, address, errorCode, lastError string) error {
	const stmt = `UPDATE custodial_accounts
        SET status = ?, error_code = ?, last_error = ?, updated_at = ?
        WHERE address = ? AND is_funded = 0`
	return s.guardedUpdate(ctx, address, stmt,
		string(StatusFundingFailed), errorCode, lastError, time.Now().Unix(), address)
}

// MarkDeploying 将账户标记为部署进行中。
func (s *MySQLStore) MarkDeploying(ctx context.Context, address string) error {
	const stmt = `UPDATE custodial_accounts
        SET status = ?, updated_at = ?
        WHERE address = ? AND is_funded = 1 AND is_deployed = 0`
	return s.guardedUpdate(ctx, address, stmt, string(StatusDeploying), time.Now().Unix(), address)
}

// MarkDeployed 记录部署成功。WHERE 条件保证未注资的账户不可能进入已部署状态。
func (s *MySQLStore) MarkDeployed(ctx context.Context, address, deploymentTxRef string) error {
	const stmt = `UPDATE custodial_accounts
        SET is_deployed = 1, deployment_tx_ref = ?, is_deployment_pending = 0,
            status = ?, last_error = '', error_code = '', updated_at = ?
        WHERE address = ? AND is_funded = 1`
	return s.guardedUpdate(ctx, address, stmt,
		deploymentTxRef, string(StatusDeployed), time.Now().Unix(), address)
}

// MarkDeploymentPending 记录部署待重试状态。
func (s *MySQLStore) MarkDeploymentPending(ctx context.Context, address, errorCode, lastError string) error {
	now := time.Now().Unix()
	const stmt = `UPDATE custodial_accounts
        SET is_deployment_pending = 1, deployment_requested_at = ?, status = ?,
            error_code = ?, last_error = ?, updated_at = ?
        WHERE address = ? AND is_funded = 1 AND is_deployed = 0`
	return s.guardedUpdate(ctx, address, stmt,
		now, string(StatusDeploymentPending), errorCode, lastError, now, address)
}

// ListDeploymentPending 返回等待部署重试的账户，按请求时间升序。
func (s *MySQLStore) ListDeploymentPending(ctx context.Context, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM custodial_accounts
         WHERE is_deployment_pending = 1 AND is_deployed = 0
         ORDER BY deployment_requested_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待部署账户失败")
	}
	defer rows.Close()

	results := make([]*Account, 0, limit)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历待部署账户失败")
	}
	return results, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
