package errors

import (
	"errors"
	"fmt"
)

// ── 导入流程错误分类 ──
//
// 网络层错误在编排器边界统一翻译为以下几类，调用方用 errors.Is 判断：
//   - ErrRemoteUnavailable: 网络/超时/5xx，可在同一步骤原样重试
//   - ErrNotAuthenticated: 身份失效，需重新登录后从头开始
//   - ErrValidationRejected: 数据被拒绝（含响应结构不合法），修正后重试
//   - ErrNoCandidates: 无可导入课程，属于提示而非故障
//   - ErrBusy: 上一步仍在执行，直接忽略即可

var (
	ErrRemoteUnavailable  = errors.New("课程服务暂不可用，请稍后重试")
	ErrNotAuthenticated   = errors.New("登录状态已失效，请重新登录")
	ErrValidationRejected = errors.New("提交的数据未通过校验")
	ErrNoCandidates       = errors.New("没有可导入的课程")
	ErrBusy               = errors.New("上一步操作仍在进行中")
)

// RemoteError 远程调用错误，Kind 为上面的分类哨兵
type RemoteError struct {
	Op     string // discover | commit | sync
	Kind   error
	Status int    // HTTP 状态码，传输层错误时为 0
	Reason string // 对端给出的原因
	Err    error
}

// NewRemoteError 构造 RemoteError
func NewRemoteError(op string, kind error, status int, reason string, cause error) *RemoteError {
	return &RemoteError{Op: op, Kind: kind, Status: status, Reason: reason, Err: cause}
}

func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is 使 errors.Is(err, ErrRemoteUnavailable) 等判断命中 Kind
func (e *RemoteError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsRetryable 仅瞬时故障可在同一步骤重试
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable)
}
