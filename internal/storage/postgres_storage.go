package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/life2you_mini/sessionbot/internal/trading"
)

// PostgresConfig 数据库连接参数
type PostgresConfig struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
}

// DSN lib/pq 连接串
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS session_targets (
	user_id             TEXT        NOT NULL,
	session_date        DATE        NOT NULL,
	session_type        TEXT        NOT NULL,
	schema_version      INTEGER     NOT NULL,
	take_profit_reached BOOLEAN     NOT NULL DEFAULT FALSE,
	stop_loss_reached   BOOLEAN     NOT NULL DEFAULT FALSE,
	target_reached_at   TIMESTAMPTZ,
	session_start       TIMESTAMPTZ NOT NULL,
	session_end         TIMESTAMPTZ,
	profit              NUMERIC(18, 2) NOT NULL,
	trades_count        INTEGER     NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, session_date, session_type),
	CHECK (NOT (take_profit_reached AND stop_loss_reached))
)`

// session_end 已有值时保留
const upsertSQL = `
INSERT INTO session_targets (
	user_id, session_date, session_type, schema_version,
	take_profit_reached, stop_loss_reached, target_reached_at,
	session_start, session_end, profit, trades_count
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (user_id, session_date, session_type) DO UPDATE SET
	schema_version      = EXCLUDED.schema_version,
	take_profit_reached = EXCLUDED.take_profit_reached,
	stop_loss_reached   = EXCLUDED.stop_loss_reached,
	target_reached_at   = EXCLUDED.target_reached_at,
	session_start       = EXCLUDED.session_start,
	session_end         = COALESCE(EXCLUDED.session_end, session_targets.session_end),
	profit              = EXCLUDED.profit,
	trades_count        = EXCLUDED.trades_count,
	updated_at          = NOW()`

const markSessionEndSQL = `
UPDATE session_targets SET session_end = $4, updated_at = NOW()
WHERE user_id = $1 AND session_date = $2 AND session_type = $3`

const selectColumns = `
SELECT schema_version, user_id, to_char(session_date, 'YYYY-MM-DD'), session_type,
	take_profit_reached, stop_loss_reached, target_reached_at,
	session_start, session_end, profit, trades_count
FROM session_targets`

// PostgresStorage PostgreSQL存储实现
type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenPostgres 打开连接并创建表
func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("打开数据库连接失败: %w", err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}

	s := NewPostgresStorage(db, logger)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	if err := s.Initialize(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStorage 使用已有连接创建存储
func NewPostgresStorage(db *sql.DB, logger *zap.Logger) *PostgresStorage {
	return &PostgresStorage{
		db:     db,
		logger: logger.With(zap.String("component", "postgres_storage")),
	}
}

// Initialize 创建表结构
func (s *PostgresStorage) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("创建 session_targets 表失败: %w", err)
	}
	s.logger.Info("PostgreSQL存储初始化成功")
	return nil
}

// UpsertSessionTarget 幂等写入会话目标记录
func (s *PostgresStorage) UpsertSessionTarget(ctx context.Context, record *trading.SessionTargetRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, upsertSQL,
		record.UserID,
		record.Date,
		record.SessionType,
		record.SchemaVersion,
		record.TakeProfitReached,
		record.StopLossReached,
		nullTime(record.TargetReachedAt),
		record.SessionStart,
		nullTime(record.SessionEnd),
		record.Profit.StringFixed(2),
		record.TradesCount,
	)
	if err != nil {
		return fmt.Errorf("保存会话目标记录失败: %w", err)
	}
	return nil
}

// MarkSessionEnd 写入会话结束时间
func (s *PostgresStorage) MarkSessionEnd(ctx context.Context, key trading.RecordKey, end time.Time) error {
	result, err := s.db.ExecContext(ctx, markSessionEndSQL, key.UserID, key.Date, key.SessionType, end)
	if err != nil {
		return fmt.Errorf("写入会话结束时间失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("写入会话结束时间失败: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// GetSessionTarget 读取单条记录
func (s *PostgresStorage) GetSessionTarget(ctx context.Context, key trading.RecordKey) (*trading.SessionTargetRecord, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+` WHERE user_id = $1 AND session_date = $2 AND session_type = $3`,
		key.UserID, key.Date, key.SessionType)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("读取会话目标记录失败: %w", err)
	}
	return record, nil
}

// ListSessionTargets 列出用户某天的全部记录，按会话名排序
func (s *PostgresStorage) ListSessionTargets(ctx context.Context, userID, date string) ([]*trading.SessionTargetRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE user_id = $1 AND session_date = $2 ORDER BY session_type`,
		userID, date)
	if err != nil {
		return nil, fmt.Errorf("查询会话目标记录失败: %w", err)
	}
	defer rows.Close()

	var records []*trading.SessionTargetRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("解析会话目标记录失败: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Close 关闭数据库连接
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*trading.SessionTargetRecord, error) {
	var (
		r         trading.SessionTargetRecord
		reachedAt sql.NullTime
		end       sql.NullTime
		profit    string
	)
	if err := row.Scan(
		&r.SchemaVersion, &r.UserID, &r.Date, &r.SessionType,
		&r.TakeProfitReached, &r.StopLossReached, &reachedAt,
		&r.SessionStart, &end, &profit, &r.TradesCount,
	); err != nil {
		return nil, err
	}

	p, err := decimal.NewFromString(profit)
	if err != nil {
		return nil, fmt.Errorf("profit 格式错误: %w", err)
	}
	r.Profit = p
	if reachedAt.Valid {
		t := reachedAt.Time
		r.TargetReachedAt = &t
	}
	if end.Valid {
		t := end.Time
		r.SessionEnd = &t
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
