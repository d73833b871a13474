package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Credentials HTTP Basic 认证信息
type Credentials struct {
	Username string
	Password string
}

// FetchOptions 单个逻辑请求的参数
type FetchOptions struct {
	URI          string        // 必填，相对路径拼接到所选主机，http(s):// 开头时原样使用
	Method       string        // 默认 GET
	Body         interface{}   // io.Reader、[]byte、string 或任意可 JSON 序列化的值
	Query        Query         // 查询参数
	Header       http.Header   // 额外请求头，默认补 Accept: application/json
	Stream       bool          // true 时返回未缓冲的响应流，由调用方关闭
	Timeout      time.Duration // 单次尝试超时，0 使用实例默认值
	UseLeader    bool          // 发往当前认为的 leader，并从重定向中学习 leader
	Retries      *int          // 重试上限，nil 时为 3 x 主机数
	MaxRedirects *int          // 重定向上限，nil 时为 10
	Auth         *Credentials  // 为空时使用实例级凭据
}

// Query 查询参数，数组使用 key[]=v 形式序列化
type Query map[string]interface{}

// Encode 按键名排序序列化，nil 值跳过
func (q Query) Encode() string {
	if len(q) == 0 {
		return ""
	}
	values := url.Values{}
	for key, value := range q {
		switch v := value.(type) {
		case nil:
		case []string:
			for _, item := range v {
				values.Add(key+"[]", item)
			}
		case []interface{}:
			for _, item := range v {
				values.Add(key+"[]", formatQueryValue(item))
			}
		case []int:
			for _, item := range v {
				values.Add(key+"[]", strconv.Itoa(item))
			}
		default:
			values.Set(key, formatQueryValue(v))
		}
	}
	return values.Encode()
}

func formatQueryValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case time.Duration:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// requestBody 可重放的请求体，重试和重定向时需要重新发送
type requestBody struct {
	data   []byte
	seeker io.ReadSeeker
}

// newRequestBody 统一各种 Body 形式；不可 Seek 的 io.Reader 会先读入内存以便重放
func newRequestBody(body interface{}) (*requestBody, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return &requestBody{data: b}, nil
	case string:
		return &requestBody{data: []byte(b)}, nil
	case io.ReadSeeker:
		return &requestBody{seeker: b}, nil
	case io.Reader:
		data, err := io.ReadAll(b)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		return &requestBody{data: data}, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, &ConfigurationError{Message: "body is not JSON serializable", Err: err}
		}
		return &requestBody{data: data}, nil
	}
}

// reader 返回从头开始读取的请求体
func (b *requestBody) reader() (io.Reader, error) {
	if b == nil {
		return nil, nil
	}
	if b.seeker != nil {
		if _, err := b.seeker.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		// 防止 http.Client 关闭调用方的文件
		return io.NopCloser(b.seeker), nil
	}
	return bytes.NewReader(b.data), nil
}

// buildURL 拼接目标地址；重定向得到的 Location 已经带有查询串时不再追加
func buildURL(host, uri string, query Query, redirected bool) string {
	target := uri
	if !isAbsoluteURI(uri) {
		target = host + "/" + strings.TrimPrefix(uri, "/")
	}

	encoded := query.Encode()
	if encoded == "" || (redirected && strings.Contains(target, "?")) {
		return target
	}
	if strings.Contains(target, "?") {
		return target + "&" + encoded
	}
	return target + "?" + encoded
}

func isAbsoluteURI(uri string) bool {
	lower := strings.ToLower(uri)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// mergeHeaders 复制调用方头部并补全默认值
func mergeHeaders(header http.Header, method string, body *requestBody) http.Header {
	merged := make(http.Header, len(header)+2)
	for key, values := range header {
		merged[key] = append([]string(nil), values...)
	}
	if merged.Get("Accept") == "" {
		merged.Set("Accept", "application/json")
	}
	if body != nil && method != http.MethodGet && merged.Get("Content-Type") == "" {
		merged.Set("Content-Type", "application/json")
	}
	return merged
}
