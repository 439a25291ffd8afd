package dumpsys

import (
	"errors"
	"fmt"
)

// ErrInvalidNumber 数值字段无法解析
// dump 格式发生了解析器无法安全跳过的变化，整个解析失败
var ErrInvalidNumber = errors.New("invalid numeric fragment field")

// FieldError 描述出错的 fragment 字段
type FieldError struct {
	Fragment string // fragment 类名
	Field    string // mState / mIndex / mBackStackNesting
	Token    string // 原始 token
	Err      error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("fragment %q: field %s: cannot parse %q: %v", e.Fragment, e.Field, e.Token, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// Is 让 errors.Is(err, ErrInvalidNumber) 成立
func (e *FieldError) Is(target error) bool {
	return target == ErrInvalidNumber
}
