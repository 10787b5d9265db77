package storage

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"path/filepath"

	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/mcp"
	"AAHB-Assistant/pkg/logger"
)

// FileArchive 以 JSON Lines 形式追加写入信封，启动时重放文件恢复内存索引。
type FileArchive struct {
	*MemoryArchive
	path string
	file *os.File
}

// OpenFileArchive 在 dataDir 下打开（或创建）envelopes.log。
func OpenFileArchive(dataDir string) (*FileArchive, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	path := filepath.Join(dataDir, "envelopes.log")
	archive := &FileArchive{MemoryArchive: NewMemoryArchive(), path: path}
	if err := archive.replay(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开归档文件失败")
	}
	archive.file = file
	return archive, nil
}

// Path 返回归档文件路径。
func (f *FileArchive) Path() string { return f.path }

// Save 追加写入一行，重复的 message_id 不会写入文件。
func (f *FileArchive) Save(_ context.Context, env mcp.Envelope) error {
	if env.Header.MessageID == "" || env.Header.ContextID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "归档信封缺少 message_id 或 context_id")
	}
	encoded, err := mcp.Encode(env)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return xerrors.New(xerrors.CodeStorageFailure, "归档文件已关闭")
	}
	if _, ok := f.seen[env.Header.MessageID]; ok {
		return nil
	}
	if _, err := f.file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入归档文件失败")
	}
	f.add(env.Clone())
	return nil
}

// Close 关闭归档文件。
func (f *FileArchive) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

func (f *FileArchive) replay() error {
	file, err := os.OpenFile(f.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取归档文件失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	skipped := 0
	for scanner.Scan() {
		env, err := mcp.Decode(scanner.Bytes())
		if err != nil {
			skipped++
			continue
		}
		f.add(env)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析归档文件失败")
	}
	if skipped > 0 {
		logger.Named("storage.file").Warn("跳过无法解析的归档行", slog.String("path", f.path), slog.Int("skipped", skipped))
	}
	return nil
}

var _ Archive = (*FileArchive)(nil)
