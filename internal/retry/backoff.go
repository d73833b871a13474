package retry

import (
	"math"
	"time"
)

// DefaultBackoffBase 默认指数退避基数
const DefaultBackoffBase = 100 * time.Millisecond

// DefaultBackoffPow 默认指数
const DefaultBackoffPow = 2

// MaxWaitTime 退避时间上限，乘法溢出时返回该值
const MaxWaitTime = time.Duration(math.MaxInt64)

// WaitTimeExponential 计算第 attempt 次重试前的等待时间
// 算法：attempt == 0 时返回 0，否则返回 pow^attempt * base，溢出时截断为 MaxWaitTime
// 纯函数，不做任何等待，真正的 sleep 由调度器负责
func WaitTimeExponential(attempt int, base time.Duration, pow int) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}

	factor := time.Duration(1)
	for i := 0; i < attempt; i++ {
		if pow > 1 && factor > MaxWaitTime/time.Duration(pow) {
			return MaxWaitTime
		}
		factor *= time.Duration(pow)
	}

	if factor > 0 && base > MaxWaitTime/factor {
		return MaxWaitTime
	}
	return factor * base
}
