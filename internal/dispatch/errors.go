package dispatch

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMaxRedirects 重定向次数耗尽，通常意味着集群当前没有稳定的 leader
var ErrMaxRedirects = errors.New("maximum number of redirects reached")

// ConfigurationError 配置错误：空主机列表、缺少 uri 等，在调用方同步返回
type ConfigurationError struct {
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Err)
	}
	return "configuration error: " + e.Message
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// TransportError 连接、DNS 等传输层失败，Code 为机器可读的错误码，例如 ECONNREFUSED
type TransportError struct {
	Code string
	URL  string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("request to %s failed (%s): %v", e.URL, e.Code, e.Err)
	}
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPStatusError 非 2xx 且非重定向的响应
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Header     http.Header
	Body       []byte
}

func (e *HTTPStatusError) Error() string {
	body := string(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("request to %s failed with status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("request to %s failed with status %d: %s", e.URL, e.StatusCode, body)
}

// MaxRedirectsError 重定向次数达到上限
type MaxRedirectsError struct {
	MaxRedirects int
	URL          string // 最后一次返回重定向的地址
}

func (e *MaxRedirectsError) Error() string {
	return fmt.Sprintf("the maximum number of redirects %d has been reached at %s", e.MaxRedirects, e.URL)
}

func (e *MaxRedirectsError) Unwrap() error {
	return ErrMaxRedirects
}

// StatusCode 从错误中提取 HTTP 状态码，非 HTTPStatusError 返回 0
func StatusCode(err error) int {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// ErrorCode 从错误中提取传输层错误码，非 TransportError 返回空串
func ErrorCode(err error) string {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Code
	}
	return ""
}
