package retry

import (
	"net/http"
	"strings"
)

// 可重试的传输层错误码
const (
	ErrCodeAddrInUse   = "EADDRINUSE"
	ErrCodeDNSAgain    = "EAI_AGAIN"
	ErrCodeConnRefused = "ECONNREFUSED"
	ErrCodeConnReset   = "ECONNRESET"
	ErrCodeNetUnreach  = "ENETUNREACH"
	ErrCodeNotFound    = "ENOTFOUND"
	ErrCodeBrokenPipe  = "EPIPE"
	ErrCodeTimedOut    = "ETIMEDOUT"
)

// DefaultErrorCodes 默认可重试的错误码
func DefaultErrorCodes() []string {
	return []string{
		ErrCodeAddrInUse,
		ErrCodeDNSAgain,
		ErrCodeConnRefused,
		ErrCodeConnReset,
		ErrCodeNetUnreach,
		ErrCodeNotFound,
		ErrCodeBrokenPipe,
		ErrCodeTimedOut,
	}
}

// DefaultStatusCodes 默认可重试的HTTP状态码
// 521/522/524 是 CDN 特有的 5xx 类状态码
func DefaultStatusCodes() []int {
	return []int{408, 413, 429, 500, 502, 503, 504, 521, 522, 524}
}

// DefaultMethods 默认可重试的HTTP方法
// 包含 POST：SQL 语句的幂等性由调用方保证
func DefaultMethods() []string {
	return []string{
		http.MethodDelete,
		http.MethodGet,
		http.MethodHead,
		http.MethodOptions,
		http.MethodPatch,
		http.MethodPost,
		http.MethodPut,
	}
}

// Classifier 判断一次失败是否可重试、是否为重定向
type Classifier struct {
	errorCodes  map[string]struct{}
	statusCodes map[int]struct{}
	methods     map[string]struct{}
}

// NewClassifier 创建分类器，nil 参数使用默认集合
func NewClassifier(errorCodes []string, statusCodes []int, methods []string) *Classifier {
	if errorCodes == nil {
		errorCodes = DefaultErrorCodes()
	}
	if statusCodes == nil {
		statusCodes = DefaultStatusCodes()
	}
	if methods == nil {
		methods = DefaultMethods()
	}

	c := &Classifier{
		errorCodes:  make(map[string]struct{}, len(errorCodes)),
		statusCodes: make(map[int]struct{}, len(statusCodes)),
		methods:     make(map[string]struct{}, len(methods)),
	}
	for _, code := range errorCodes {
		c.errorCodes[strings.ToUpper(strings.TrimSpace(code))] = struct{}{}
	}
	for _, status := range statusCodes {
		c.statusCodes[status] = struct{}{}
	}
	for _, method := range methods {
		c.methods[strings.ToUpper(strings.TrimSpace(method))] = struct{}{}
	}
	return c
}

// IsRetryable 判断请求是否可重试
// 方法不在集合内直接返回 false，其余情况状态码或错误码命中任一集合即可重试
func (c *Classifier) IsRetryable(statusCode int, errorCode, httpMethod string) bool {
	if _, ok := c.methods[strings.ToUpper(httpMethod)]; !ok {
		return false
	}
	if statusCode != 0 {
		if _, ok := c.statusCodes[statusCode]; ok {
			return true
		}
	}
	if errorCode != "" {
		if _, ok := c.errorCodes[errorCode]; ok {
			return true
		}
	}
	return false
}

// IsRedirect 301/302 视为重定向，走独立的计数与上限
func (c *Classifier) IsRedirect(statusCode int) bool {
	return statusCode == http.StatusMovedPermanently || statusCode == http.StatusFound
}

// ErrorCodes 返回可重试错误码集合的副本
func (c *Classifier) ErrorCodes() []string {
	out := make([]string, 0, len(c.errorCodes))
	for code := range c.errorCodes {
		out = append(out, code)
	}
	return out
}

// StatusCodes 返回可重试状态码集合的副本
func (c *Classifier) StatusCodes() []int {
	out := make([]int, 0, len(c.statusCodes))
	for status := range c.statusCodes {
		out = append(out, status)
	}
	return out
}

// Methods 返回可重试方法集合的副本
func (c *Classifier) Methods() []string {
	out := make([]string, 0, len(c.methods))
	for method := range c.methods {
		out = append(out, method)
	}
	return out
}
