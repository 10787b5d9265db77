package command

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/llm"
)

const defaultTimeout = 30 * time.Second

// Config 描述外部推理程序。Exec 为空时使用 python3 执行 Script。
type Config struct {
	Exec       string        `yaml:"exec"`
	Script     string        `yaml:"script"`
	WorkingDir string        `yaml:"working_dir"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Client 通过子进程标准输入输出调用本地模型或脚本。
type Client struct {
	exec       string
	args       []string
	workingDir string
	timeout    time.Duration
}

type request struct {
	Instruction string              `json:"instruction"`
	Context     string              `json:"context,omitempty"`
	Content     string              `json:"content"`
	Knowledge   []llm.KnowledgeCard `json:"knowledge,omitempty"`
	Prompt      string              `json:"prompt"`
	Timestamp   int64               `json:"timestamp"`
}

type response struct {
	Text  string `json:"text"`
	Reply string `json:"reply"`
}

// NewClient 创建命令行客户端。
func NewClient(cfg Config) (*Client, error) {
	execPath := strings.TrimSpace(cfg.Exec)
	script := strings.TrimSpace(cfg.Script)
	if execPath == "" && script == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定外部推理程序")
	}
	if execPath == "" {
		execPath = "python3"
	}
	var args []string
	if script != "" {
		args = append(args, script)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		exec:       execPath,
		args:       args,
		workingDir: cfg.WorkingDir,
		timeout:    timeout,
	}, nil
}

// Generate 把请求写入子进程标准输入，并解析其标准输出中的 JSON。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(request{
		Instruction: req.Instruction,
		Context:     req.Context,
		Content:     req.Content,
		Knowledge:   req.Knowledge,
		Prompt:      llm.BuildPrompt(req),
		Timestamp:   time.Now().Unix(),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.exec, c.args...)
	if c.workingDir != "" {
		cmd.Dir = c.workingDir
	}
	cmd.WaitDelay = time.Second
	cmd.Stdin = bytes.NewReader(encoded)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "外部推理程序超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err,
			"执行外部推理程序失败: "+strings.TrimSpace(stderr.String()),
			xerrors.WithRetryable(false))
	}

	var resp response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "解析外部推理程序输出失败",
			xerrors.WithRetryable(false))
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		text = strings.TrimSpace(resp.Reply)
	}
	if text == "" {
		return nil, xerrors.New(xerrors.CodeTransportFailure, "外部推理程序未返回文本", xerrors.WithRetryable(false))
	}
	return &llm.Response{Text: text}, nil
}

// ResolvePath 把相对路径解析到 baseDir 下。
func ResolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
