package mysql

import (
	"context"
	"database/sql"
	"strings"
	"time"

	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/mcp"
)

const defaultListLimit = 1000

// Archive 将信封写入 mcp_envelopes 表，消息体使用二进制编码。
type Archive struct {
	db *sql.DB
}

// Open 建立连接池并执行嵌入的迁移。
func Open(ctx context.Context, cfg Config) (*Archive, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	archive := &Archive{db: db}
	if err := archive.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return archive, nil
}

// Save 写入一条信封，message_id 已存在时忽略。
func (a *Archive) Save(ctx context.Context, env mcp.Envelope) error {
	if strings.TrimSpace(env.Header.MessageID) == "" || strings.TrimSpace(env.Header.ContextID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "归档信封缺少 message_id 或 context_id")
	}
	body, err := mcp.EncodeBinary(env)
	if err != nil {
		return err
	}

	const stmt = `INSERT IGNORE INTO mcp_envelopes
        (message_id, context_id, source, destination, message_type, hop_count, sent_at, body, archived_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := a.db.ExecContext(ctx, stmt,
		env.Header.MessageID,
		env.Header.ContextID,
		env.Header.Source,
		env.Header.Destination,
		string(env.Header.MessageType),
		int64(env.Header.HopCount),
		env.Header.Timestamp,
		body,
		time.Now().Unix(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入信封归档失败")
	}
	return nil
}

// List 返回会话最近的 limit 条信封，按写入顺序排列。
func (a *Archive) List(ctx context.Context, contextID string, limit int) ([]mcp.Envelope, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := a.db.QueryContext(ctx, `SELECT body FROM (
        SELECT id, body FROM mcp_envelopes WHERE context_id = ? ORDER BY id DESC LIMIT ?
    ) recent ORDER BY id ASC`, contextID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询信封归档失败")
	}
	defer rows.Close()

	var history []mcp.Envelope
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取信封归档失败")
		}
		env, err := mcp.DecodeBinary(body)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析信封归档失败")
		}
		history = append(history, env)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历信封归档失败")
	}
	return history, nil
}

// Close 关闭底层数据库连接。
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}
