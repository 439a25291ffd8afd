package shell

import (
	"context"
	"fmt"
)

// Future 异步执行结果
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Go 在后台执行 fn，返回 Future
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}

	go func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("panic in background command: %v", r)
			}
		}()
		f.value, f.err = fn(ctx)
	}()

	return f
}

// Done 完成时关闭
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait 等待结果
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
