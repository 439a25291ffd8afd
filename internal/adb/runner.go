package adb

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// runFunc 执行本地进程，返回 stdout、stderr 和退出码
// 进程正常退出（包括非 0 退出码）时 err 为 nil
type runFunc func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, exitCode int, err error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), nil
	}
	if ctx.Err() != nil {
		return stdout.Bytes(), stderr.Bytes(), -1, ctx.Err()
	}
	return stdout.Bytes(), stderr.Bytes(), -1, err
}
