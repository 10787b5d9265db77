package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/mcp"

	_ "modernc.org/sqlite"
)

const defaultListLimit = 1000

// Config 描述 SQLite 归档。
type Config struct {
	// Path 为数据库文件，为空时使用数据目录下的 envelopes.db。
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

const schema = `CREATE TABLE IF NOT EXISTS mcp_envelopes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL UNIQUE,
    context_id TEXT NOT NULL,
    source TEXT NOT NULL,
    destination TEXT NOT NULL,
    message_type TEXT NOT NULL,
    hop_count INTEGER NOT NULL DEFAULT 0,
    sent_at REAL NOT NULL,
    body BLOB NOT NULL,
    archived_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mcp_envelopes_context ON mcp_envelopes (context_id, id);`

// Archive 将信封写入本地 SQLite 文件。
type Archive struct {
	db   *sql.DB
	path string
}

// Open 打开（必要时创建）数据库并建表。
func Open(ctx context.Context, cfg Config) (*Archive, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 SQLite 目录失败")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}
	// SQLite 同一时间只允许一个写连接。
	db.SetMaxOpenConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = " + strconv.FormatInt(busy.Milliseconds(), 10),
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "设置 SQLite 参数失败")
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 mcp_envelopes 表失败")
	}
	return &Archive{db: db, path: path}, nil
}

// Path 返回数据库文件路径。
func (a *Archive) Path() string { return a.path }

// Save 写入一条信封，message_id 已存在时忽略。
func (a *Archive) Save(ctx context.Context, env mcp.Envelope) error {
	if strings.TrimSpace(env.Header.MessageID) == "" || strings.TrimSpace(env.Header.ContextID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "归档信封缺少 message_id 或 context_id")
	}
	body, err := mcp.EncodeBinary(env)
	if err != nil {
		return err
	}

	const stmt = `INSERT OR IGNORE INTO mcp_envelopes
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
    ) ORDER BY id ASC`, contextID, limit)
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

// Close 关闭数据库。
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}
