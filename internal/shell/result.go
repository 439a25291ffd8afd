package shell

import (
	"context"
	"strings"
)

// Result 一次 shell 调用的结果
type Result struct {
	ExitCode int      `json:"exit_code"`
	Stdout   []string `json:"stdout"`
	Stderr   []string `json:"stderr"`
}

// IsSuccessful 退出码为 0
func (r *Result) IsSuccessful() bool {
	return r != nil && r.ExitCode == 0
}

// StdoutText 标准输出（按行拼接）
func (r *Result) StdoutText() string {
	if r == nil {
		return ""
	}
	return strings.Join(r.Stdout, "\n")
}

// StderrText 标准错误（按行拼接）
func (r *Result) StderrText() string {
	if r == nil {
		return ""
	}
	return strings.Join(r.Stderr, "\n")
}

// SplitLines 把命令输出拆成行，去掉 \r 和末尾空行
func SplitLines(output string) []string {
	output = strings.ReplaceAll(output, "\r\n", "\n")
	output = strings.TrimRight(output, "\n")
	if output == "" {
		return []string{}
	}
	return strings.Split(output, "\n")
}

// Executor 以 root 权限执行命令
// 非零退出码不是 error，通过 Result.ExitCode 返回；error 只表示命令根本没跑起来
type Executor interface {
	RunWithSu(ctx context.Context, cmds ...string) (*Result, error)
}
