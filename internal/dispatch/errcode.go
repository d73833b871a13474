package dispatch

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"rqlite-client/internal/retry"
)

// errorCode 把 net/syscall 错误映射为重试分类器使用的错误码
// 无法识别时返回空串，此时只有状态码能让请求被重试
func errorCode(err error) string {
	if err == nil {
		return ""
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTemporary || dnsErr.IsTimeout {
			return retry.ErrCodeDNSAgain
		}
		return retry.ErrCodeNotFound
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return retry.ErrCodeConnRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNABORTED):
		return retry.ErrCodeConnReset
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return retry.ErrCodeNetUnreach
	case errors.Is(err, syscall.EPIPE):
		return retry.ErrCodeBrokenPipe
	case errors.Is(err, syscall.EADDRINUSE):
		return retry.ErrCodeAddrInUse
	case errors.Is(err, syscall.ETIMEDOUT), errors.Is(err, context.DeadlineExceeded):
		return retry.ErrCodeTimedOut
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		// 对端在返回响应前关闭了连接
		return retry.ErrCodeConnReset
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retry.ErrCodeTimedOut
	}

	return ""
}
