// Package fault 定义了 chunkvault 对外暴露的错误分类。
//
// 每个错误都归属一个 Kind，调用方用 errors.Is(err, fault.NotFound) 判断类别，
// 用 IsRetryable 决定是否重试，CLI 用 ExitCode 映射退出码。
package fault

import (
	"errors"
	"fmt"
)

// Kind 是错误类别
type Kind uint8

const (
	Internal Kind = iota
	IOError
	DigestMismatch
	NotFound
	AlgorithmMismatch
	NegotiationFailure
	CapacityExceeded
	Collision
)

var kindNames = map[Kind]string{
	Internal:           "internal",
	IOError:            "io error",
	DigestMismatch:     "digest mismatch",
	NotFound:           "not found",
	AlgorithmMismatch:  "algorithm mismatch",
	NegotiationFailure: "negotiation failure",
	CapacityExceeded:   "capacity exceeded",
	Collision:          "digest collision",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error 让 Kind 本身可以作为 errors.Is 的目标
func (k Kind) Error() string { return k.String() }

// retryable 给出每个类别的默认重试语义
func (k Kind) retryable() bool {
	switch k {
	case IOError, NegotiationFailure:
		return true
	}
	return false
}

// Error 是带分类信息的错误
type Error struct {
	Kind      Kind
	Op        string // 出错的操作，例如 "store.put"
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is 使 errors.Is(err, fault.NotFound) 成立
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New 构造一个分类错误，重试语义取类别默认值
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Retryable: kind.retryable(), Err: err}
}

// Newf 同 New，但用格式化字符串描述原因
func Newf(kind Kind, op, format string, args ...any) error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// Fatal 把错误标记为不可重试 (例如重传次数耗尽)
func Fatal(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap 给未分类的错误补上类别；已分类的错误原样返回
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return New(kind, op, err)
}

// KindOf 取出错误类别；未分类错误视为 Internal
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Internal
}

// IsRetryable 报告该错误是否值得重试
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// ExitCode 把错误映射为进程退出码，每个类别互不相同
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case IOError:
		return 3
	case DigestMismatch:
		return 4
	case NotFound:
		return 5
	case AlgorithmMismatch:
		return 6
	case NegotiationFailure:
		return 7
	case CapacityExceeded:
		return 8
	case Collision:
		return 9
	}
	return 1
}
