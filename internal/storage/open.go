package storage

import (
	"context"
	"path/filepath"
	"strings"

	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/storage/mysql"
	"AAHB-Assistant/internal/storage/redis"
	"AAHB-Assistant/internal/storage/sqlite"
)

// Config 描述归档驱动。
type Config struct {
	// Driver 取值 none、memory、file、sqlite、mysql、redis。
	Driver  string        `yaml:"driver"`
	DataDir string        `yaml:"data_dir"`
	Buffer  int           `yaml:"buffer"`
	SQLite  sqlite.Config `yaml:"sqlite"`
	MySQL   mysql.Config  `yaml:"mysql"`
	Redis   redis.Config  `yaml:"redis"`
}

// Open 根据驱动创建归档。driver 为 none 时返回 nil。
func Open(ctx context.Context, cfg Config) (Archive, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "none":
		return nil, nil
	case "", "memory":
		return NewMemoryArchive(), nil
	case "file":
		archive, err := OpenFileArchive(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return archive, nil
	case "sqlite":
		sqliteCfg := cfg.SQLite
		if sqliteCfg.Path == "" {
			sqliteCfg.Path = filepath.Join(cfg.DataDir, "envelopes.db")
		}
		archive, err := sqlite.Open(ctx, sqliteCfg)
		if err != nil {
			return nil, err
		}
		return archive, nil
	case "mysql":
		archive, err := mysql.Open(ctx, cfg.MySQL)
		if err != nil {
			return nil, err
		}
		return archive, nil
	case "redis":
		archive, err := redis.Open(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return archive, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unsupported archive driver "+cfg.Driver)
	}
}

var (
	_ Archive = (*sqlite.Archive)(nil)
	_ Archive = (*mysql.Archive)(nil)
	_ Archive = (*redis.Archive)(nil)
)
