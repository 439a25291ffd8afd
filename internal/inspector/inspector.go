package inspector

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/devhelper/devhelper-go/internal/dumpsys"
	"github.com/devhelper/devhelper-go/internal/shell"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnreadableHierarchy dumpsys 输出无法解析
	ErrUnreadableHierarchy = errors.New("unable to read view hierarchy")
	ErrCommandFailed       = errors.New("command failed")
	ErrProcessNotFound     = errors.New("process not found")
	ErrFileNotFound        = errors.New("file not found")
	ErrApkNotFound         = errors.New("apk not found")
)

// CommandError 命令以非零退出码结束
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%q exited with %d: %s", e.Command, e.ExitCode, e.Stderr)
}

func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}

// LsFileInfo ls -l 的权限和属主
type LsFileInfo struct {
	Permission string `json:"permission"`
	User       string `json:"user"`
	Group      string `json:"group"`
}

// Inspector 通过 root shell 查看设备上的前台界面和应用文件
type Inspector struct {
	exec   shell.Executor
	cmds   shell.CommandSet
	logger *logrus.Logger
}

func New(exec shell.Executor, cmds shell.CommandSet, logger *logrus.Logger) *Inspector {
	return &Inspector{exec: exec, cmds: cmds, logger: logger}
}

// Commands 当前使用的命令集
func (i *Inspector) Commands() shell.CommandSet {
	return i.cmds
}

// DumpTopActivity 获取原始 dumpsys activity top 输出
func (i *Inspector) DumpTopActivity(ctx context.Context) (string, error) {
	res, err := i.mustRun(ctx, i.cmds.TopActivity)
	if err != nil {
		return "", err
	}
	return res.StdoutText(), nil
}

// TopActivity 获取并解析前台 Activity
func (i *Inspector) TopActivity(ctx context.Context) (*dumpsys.TopActivityInfo, error) {
	raw, err := i.DumpTopActivity(ctx)
	if err != nil {
		return nil, err
	}

	info, err := dumpsys.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadableHierarchy, err)
	}

	i.logger.WithFields(logrus.Fields{
		"activity":  info.Activity,
		"views":     len(info.ViewIDHex),
		"fragments": len(info.Fragments),
	}).Debug("Top activity parsed")

	return info, nil
}

// TopActivityAsync 后台执行 TopActivity
func (i *Inspector) TopActivityAsync(ctx context.Context) *shell.Future[*dumpsys.TopActivityInfo] {
	return shell.Go(ctx, i.TopActivity)
}

// Pid 依次尝试各个查询命令，返回第一个成功结果的首个字段
func (i *Inspector) Pid(ctx context.Context, pkg string) (string, error) {
	for _, tmpl := range i.cmds.PidLookups {
		res, err := i.exec.RunWithSu(ctx, shell.Format(tmpl, pkg))
		if err != nil {
			return "", err
		}
		if !res.IsSuccessful() {
			continue
		}
		if fields := strings.Fields(res.StdoutText()); len(fields) > 0 {
			return fields[0], nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrProcessNotFound, pkg)
}

// LsFile 读取文件权限和属主
func (i *Inspector) LsFile(ctx context.Context, file string) (*LsFileInfo, error) {
	res, err := i.exec.RunWithSu(ctx, shell.Format(i.cmds.LsFile, file))
	if err != nil {
		return nil, err
	}
	if !res.IsSuccessful() {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, file)
	}

	fields := strings.Fields(res.StdoutText())
	if len(fields) <= 4 {
		return nil, fmt.Errorf("unexpected ls output for %s: %q", file, res.StdoutText())
	}
	return &LsFileInfo{
		Permission: fields[0],
		User:       fields[2],
		Group:      fields[3],
	}, nil
}

// ListDir 列出目录下的文件名
func (i *Inspector) ListDir(ctx context.Context, dir string) ([]string, error) {
	res, err := i.mustRun(ctx, shell.Format(i.cmds.LsDir, dir))
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(res.Stdout))
	for _, line := range res.Stdout {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// SqliteFiles 应用 databases 目录下文件头是 SQLite 的文件（完整路径）
func (i *Inspector) SqliteFiles(ctx context.Context, pkg string) ([]string, error) {
	dbDir := path.Join("/data/data", pkg, "databases")

	names, err := i.ListDir(ctx, dbDir)
	if err != nil {
		return nil, err
	}

	files := []string{}
	for _, name := range names {
		file := path.Join(dbDir, name)
		res, err := i.exec.RunWithSu(ctx, shell.Format(i.cmds.CheckSQLite, file))
		if err != nil {
			return nil, err
		}
		if res.IsSuccessful() && strings.TrimSpace(res.StdoutText()) != "" {
			files = append(files, file)
		}
	}
	return files, nil
}

// CatFile 读取文件内容
func (i *Inspector) CatFile(ctx context.Context, file string) (string, error) {
	res, err := i.mustRun(ctx, shell.Format(i.cmds.CatFile, file))
	if err != nil {
		return "", err
	}
	return res.StdoutText(), nil
}

// RemoveFile rm -rf
func (i *Inspector) RemoveFile(ctx context.Context, file string) error {
	_, err := i.mustRun(ctx, shell.Format(i.cmds.RemoveFile, file))
	return err
}

// AppendLine 在文件末尾追加一行
func (i *Inspector) AppendLine(ctx context.Context, file, content string) error {
	_, err := i.mustRun(ctx, shell.Format(i.cmds.WriteLine, content, file))
	return err
}

// CopyFile 复制文件并设置权限，目标目录不存在时先创建
// SELinux 下 chmod 可能报 Operation not permitted，此时文件已经复制成功
func (i *Inspector) CopyFile(ctx context.Context, src, dst, mode string) error {
	if mode == "" {
		mode = "666"
	}

	if dir := path.Dir(dst); dir != "." && dir != "/" {
		if _, err := i.mustRun(ctx, shell.Format(i.cmds.MakeDir, dir)); err != nil {
			return err
		}
	}

	cmd := shell.Format(i.cmds.CopyFile, src, dst, mode)
	res, err := i.exec.RunWithSu(ctx, cmd)
	if err != nil {
		return err
	}
	if res.IsSuccessful() || strings.Contains(res.StderrText(), "Operation not permitted") {
		return nil
	}
	return &CommandError{Command: cmd, ExitCode: res.ExitCode, Stderr: res.StderrText()}
}

// OverwriteFile 用 src 的内容覆盖 dst，mode 为空时不修改权限
func (i *Inspector) OverwriteFile(ctx context.Context, src, dst, mode string) error {
	cmds := []string{shell.Format(i.cmds.CopyOverFile, src, dst)}
	if mode != "" {
		cmds = append(cmds, shell.Format(i.cmds.ChangeMode, mode, dst))
	}
	_, err := i.mustRun(ctx, cmds...)
	return err
}

// FindApkPath 应用 base.apk 的路径
func (i *Inspector) FindApkPath(ctx context.Context, pkg string) (string, error) {
	res, err := i.exec.RunWithSu(ctx, shell.Format(i.cmds.FindApkDir, pkg))
	if err != nil {
		return "", err
	}

	var dir string
	for _, line := range res.Stdout {
		if line = strings.TrimSpace(line); line != "" {
			dir = line
			break
		}
	}
	if !res.IsSuccessful() || dir == "" {
		return "", fmt.Errorf("%w: %s", ErrApkNotFound, pkg)
	}

	if !strings.HasPrefix(dir, "/") {
		dir = path.Join("/data/app", dir)
	}
	return path.Join(dir, "base.apk"), nil
}

// Uninstall pm uninstall
func (i *Inspector) Uninstall(ctx context.Context, pkg string) error {
	_, err := i.mustRun(ctx, shell.Format(i.cmds.Uninstall, pkg))
	return err
}

// ClearAppData pm clear
func (i *Inspector) ClearAppData(ctx context.Context, pkg string) error {
	_, err := i.mustRun(ctx, shell.Format(i.cmds.ClearData, pkg))
	return err
}

// ForceStop am force-stop
func (i *Inspector) ForceStop(ctx context.Context, pkg string) error {
	_, err := i.mustRun(ctx, shell.Format(i.cmds.ForceStop, pkg))
	return err
}

// mustRun 执行命令，非零退出码转成 CommandError
func (i *Inspector) mustRun(ctx context.Context, cmds ...string) (*shell.Result, error) {
	res, err := i.exec.RunWithSu(ctx, cmds...)
	if err != nil {
		return nil, err
	}
	if !res.IsSuccessful() {
		i.logger.WithFields(logrus.Fields{
			"command":   strings.Join(cmds, "; "),
			"exit_code": res.ExitCode,
		}).Debug("Command exited with non-zero status")
		return nil, &CommandError{
			Command:  strings.Join(cmds, "; "),
			ExitCode: res.ExitCode,
			Stderr:   res.StderrText(),
		}
	}
	return res, nil
}
