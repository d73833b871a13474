package retry

import (
	"fmt"
	"time"
)

// Action 单次尝试之后的动作
type Action int

const (
	ActionSucceed        Action = iota // 2xx，结束
	ActionFollowRedirect               // 301/302，跟随 Location
	ActionRetry                        // 可重试失败，退避后换下一个主机
	ActionFail                         // 不可重试或重试次数耗尽，原样返回错误
	ActionMaxRedirects                 // 重定向次数耗尽
)

func (a Action) String() string {
	switch a {
	case ActionSucceed:
		return "succeed"
	case ActionFollowRedirect:
		return "follow_redirect"
	case ActionRetry:
		return "retry"
	case ActionFail:
		return "fail"
	case ActionMaxRedirects:
		return "max_redirects"
	default:
		return "unknown"
	}
}

// Outcome 一次物理尝试的结果
type Outcome struct {
	StatusCode      int    // 无响应时为 0
	ErrorCode       string // 传输层错误码，无则为空
	Method          string
	RetryAttempt    int
	RedirectAttempt int
}

// Decision 重试决策结果
type Decision struct {
	Action Action
	Delay  time.Duration // 仅 ActionRetry 有效
	Reason string        // 用于日志
}

// Policy 重试策略：分类器 + 次数上限 + 退避基数
type Policy struct {
	Classifier   *Classifier
	Retries      int
	MaxRedirects int
	BackoffBase  time.Duration
}

// Decide 根据单次尝试结果返回决策
// 重定向优先于重试判断，两者使用各自独立的计数和上限
func (p Policy) Decide(o Outcome) Decision {
	if o.ErrorCode == "" && o.StatusCode >= 200 && o.StatusCode < 300 {
		return Decision{Action: ActionSucceed, Reason: "请求成功"}
	}

	if p.Classifier.IsRedirect(o.StatusCode) {
		if o.RedirectAttempt >= p.MaxRedirects {
			return Decision{
				Action: ActionMaxRedirects,
				Reason: fmt.Sprintf("重定向次数已达上限 %d", p.MaxRedirects),
			}
		}
		return Decision{Action: ActionFollowRedirect, Reason: fmt.Sprintf("HTTP %d 重定向", o.StatusCode)}
	}

	if !p.Classifier.IsRetryable(o.StatusCode, o.ErrorCode, o.Method) {
		return Decision{Action: ActionFail, Reason: "不可重试的失败"}
	}
	if o.RetryAttempt >= p.Retries {
		return Decision{
			Action: ActionFail,
			Reason: fmt.Sprintf("重试次数已达上限 %d", p.Retries),
		}
	}

	return Decision{
		Action: ActionRetry,
		Delay:  WaitTimeExponential(o.RetryAttempt, p.BackoffBase, DefaultBackoffPow),
		Reason: "可重试的失败，切换到下一主机",
	}
}
