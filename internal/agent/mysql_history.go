package agent

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "ChainPilot/internal/errors"
)

// MySQLCommandRepository 使用 MySQL 持久化指令历史。
type MySQLCommandRepository struct {
	db *sql.DB
}

// MySQLConfig 描述指令仓库的连接参数。
type MySQLConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// NewMySQLCommandRepository 创建 MySQL 指令仓库并初始化表结构。
func NewMySQLCommandRepository(cfg MySQLConfig) (*MySQLCommandRepository, error) {
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

	repo := &MySQLCommandRepository{db: db}
	if err := repo.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *MySQLCommandRepository) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS command_history (
        id BIGINT PRIMARY KEY AUTO_INCREMENT,
        trace_id VARCHAR(36) NOT NULL DEFAULT '',
        user_id VARCHAR(64) NOT NULL,
        address VARCHAR(42) NOT NULL DEFAULT '',
        command TEXT NOT NULL,
        action VARCHAR(64) NOT NULL DEFAULT '',
        params TEXT,
        thought TEXT,
        reply TEXT,
        observations TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_command_user (user_id, created_at)
)`

	if _, err := r.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 command_history 表失败")
	}
	return nil
}

// Create 插入一条指令记录。
func (r *MySQLCommandRepository) Create(ctx context.Context, record *CommandRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}

	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	const stmt = `INSERT INTO command_history
        (trace_id, user_id, address, command, action, params, thought, reply, observations, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := r.db.ExecContext(ctx, stmt,
		record.TraceID,
		record.UserID,
		record.Address,
		record.Command,
		record.Action,
		record.Params,
		record.Thought,
		record.Reply,
		record.Observations,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入指令记录失败")
	}
	if id, err := res.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

// ListLatest 返回指定用户最近的指令记录，按时间倒序。
func (r *MySQLCommandRepository) ListLatest(ctx context.Context, userID string, limit int) ([]*CommandRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	const query = `SELECT id, trace_id, user_id, address, command, action, params, thought, reply, observations, created_at, updated_at
        FROM command_history WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询指令记录失败")
	}
	defer rows.Close()

	results := make([]*CommandRecord, 0, limit)
	for rows.Next() {
		var record CommandRecord
		var params, thought, reply, observations sql.NullString
		if err := rows.Scan(
			&record.ID,
			&record.TraceID,
			&record.UserID,
			&record.Address,
			&record.Command,
			&record.Action,
			&params,
			&thought,
			&reply,
			&observations,
			&record.CreatedAt,
			&record.UpdatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取指令记录失败")
		}
		record.Params = params.String
		record.Thought = thought.String
		record.Reply = reply.String
		record.Observations = observations.String
		results = append(results, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历指令记录失败")
	}
	return results, nil
}

// Close 关闭数据库连接。
func (r *MySQLCommandRepository) Close() error {
	return r.db.Close()
}

var _ CommandRepository = (*MySQLCommandRepository)(nil)
