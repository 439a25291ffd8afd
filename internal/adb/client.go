package adb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/devhelper/devhelper-go/internal/retry"
	"github.com/devhelper/devhelper-go/internal/shell"
	"github.com/sirupsen/logrus"
)

// ErrTransport adb 与设备之间的通道异常（离线、未授权、断开）
var ErrTransport = errors.New("adb transport error")

// transportMarkers adb 自身输出到 stderr 的错误，出现时说明命令没有到达设备
var transportMarkers = []string{
	"device offline",
	"device not found",
	"no devices/emulators found",
	"device unauthorized",
	"closed",
	"cannot connect",
}

// Options 客户端参数
type Options struct {
	Binary  string        // adb 可执行文件
	UseSu   bool          // 是否通过 su -c 执行
	Timeout time.Duration // 单次调用超时
	Retry   *retry.Config // 传输错误重试，nil 表示不重试
}

// Client ADB 客户端，实现 shell.Executor
type Client struct {
	target  string
	opts    Options
	logger  *logrus.Logger
	connMgr *ConnectionManager
	run     runFunc
}

// NewClient 创建 ADB 客户端
func NewClient(target string, opts Options, logger *logrus.Logger) *Client {
	if opts.Binary == "" {
		opts.Binary = "adb"
	}
	return &Client{
		target:  target,
		opts:    opts,
		logger:  logger,
		connMgr: GetConnectionManager(opts.Binary, logger),
		run:     execRun,
	}
}

// Target 设备地址
func (c *Client) Target() string {
	return c.target
}

// Connect 连接设备（host:port 形式才需要 adb connect）
func (c *Client) Connect(ctx context.Context) error {
	if !strings.Contains(c.target, ":") {
		return c.connMgr.EnsureDaemonStarted(ctx)
	}
	return c.connMgr.Connect(ctx, c.target)
}

// IsConnected 检查设备是否在线
func (c *Client) IsConnected(ctx context.Context) bool {
	return c.connMgr.IsConnected(ctx, c.target)
}

// RunWithSu 在设备上按顺序执行命令，退出码取最后一条
func (c *Client) RunWithSu(ctx context.Context, cmds ...string) (*shell.Result, error) {
	if len(cmds) == 0 {
		return &shell.Result{Stdout: []string{}, Stderr: []string{}}, nil
	}
	return c.exec(ctx, shellArgs(c.target, c.opts.UseSu, cmds))
}

// Shell 不经过 su 执行单条命令
func (c *Client) Shell(ctx context.Context, command string) (*shell.Result, error) {
	return c.exec(ctx, shellArgs(c.target, false, []string{command}))
}

// SDKVersion 读取 ro.build.version.sdk
func (c *Client) SDKVersion(ctx context.Context) (int, error) {
	res, err := c.Shell(ctx, "getprop ro.build.version.sdk")
	if err != nil {
		return 0, err
	}
	if !res.IsSuccessful() {
		return 0, fmt.Errorf("getprop exited with %d: %s", res.ExitCode, res.StderrText())
	}

	sdk, err := strconv.Atoi(strings.TrimSpace(res.StdoutText()))
	if err != nil {
		return 0, fmt.Errorf("unexpected sdk value %q: %w", res.StdoutText(), err)
	}
	return sdk, nil
}

func (c *Client) exec(ctx context.Context, args []string) (*shell.Result, error) {
	attempt := func(ctx context.Context) (*shell.Result, error) {
		if c.opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()
		}

		stdout, stderr, code, err := c.run(ctx, c.opts.Binary, args...)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("run %s: %w", c.opts.Binary, err))
		}

		if isTransportFailure(code, string(stderr)) {
			c.logger.WithFields(logrus.Fields{
				"target": c.target,
				"stderr": strings.TrimSpace(string(stderr)),
			}).Warn("ADB transport failure")
			return nil, retry.Transient(fmt.Errorf("%w: %s", ErrTransport, strings.TrimSpace(string(stderr))))
		}

		return &shell.Result{
			ExitCode: code,
			Stdout:   shell.SplitLines(string(stdout)),
			Stderr:   shell.SplitLines(string(stderr)),
		}, nil
	}

	if c.opts.Retry == nil {
		return attempt(ctx)
	}
	return retry.DoWithResult(ctx, c.opts.Retry, attempt)
}

// isTransportFailure adb 在传输失败时以 1 或 255 退出，并在 stderr 输出固定的错误前缀
func isTransportFailure(code int, stderr string) bool {
	if code != 1 && code != 255 {
		return false
	}
	lower := strings.ToLower(stderr)
	if !strings.Contains(lower, "error:") && !strings.Contains(lower, "adb:") {
		return false
	}
	if strings.Contains(lower, "device '") && strings.Contains(lower, "not found") {
		return true
	}
	for _, marker := range transportMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// shellArgs 拼装 adb 参数，多条命令以 ; 串联
func shellArgs(target string, useSu bool, cmds []string) []string {
	script := strings.Join(cmds, "; ")
	if useSu {
		script = "su -c " + shell.Quote(script)
	}
	return []string{"-s", target, "shell", script}
}
