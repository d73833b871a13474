package dispatch

import (
	"compress/flate"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// Response 逻辑请求的最终结果
// 非流式请求填充 Body，流式请求填充 Stream，由调用方负责关闭
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	Stream    io.ReadCloser
	URL       string // 最终成功的地址
	Host      string // 最终成功的主机
	RequestID string
	Attempts  int // 物理请求次数
}

// JSON 把响应体解析到 v
func (r *Response) JSON(v interface{}) error {
	if r.Stream != nil {
		return fmt.Errorf("cannot decode a streaming response as JSON")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

// Close 关闭流式响应，非流式响应为空操作
func (r *Response) Close() error {
	if r.Stream == nil {
		return nil
	}
	return r.Stream.Close()
}

// decompressReader 根据 Content-Encoding 返回解压后的读取器
// Go 的 Transport 自己协商的 gzip 已经透明解压，这里处理服务端主动压缩的情况
func decompressReader(resp *http.Response, logger *slog.Logger) (io.ReadCloser, error) {
	if resp.Uncompressed {
		return resp.Body, nil
	}
	contentEncoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	switch contentEncoding {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return &decodedReadCloser{reader: gzipReader, closer: resp.Body}, nil
	case "deflate":
		return &decodedReadCloser{reader: flate.NewReader(resp.Body), closer: resp.Body}, nil
	case "br":
		return &decodedReadCloser{reader: brotli.NewReader(resp.Body), closer: resp.Body}, nil
	default:
		logger.Warn(fmt.Sprintf("⚠️ [响应解压] 未知的内容编码: %s, 使用原始响应", contentEncoding))
		return resp.Body, nil
	}
}

// decodedReadCloser 为解压读取器补上关闭底层连接的 Close
type decodedReadCloser struct {
	reader io.Reader
	closer io.Closer
}

func (d *decodedReadCloser) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decodedReadCloser) Close() error {
	return d.closer.Close()
}

// readBody 读取并关闭响应体
func readBody(resp *http.Response, logger *slog.Logger) ([]byte, error) {
	defer resp.Body.Close()

	reader, err := decompressReader(resp, logger)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, nil
}

// drainBody 丢弃并关闭响应体，保证连接可以复用
func drainBody(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// streamBody 流式响应：关闭时同时释放单次尝试的上下文
type streamBody struct {
	io.ReadCloser
	cancel func()
	once   sync.Once
}

func newStreamBody(resp *http.Response, cancel func(), logger *slog.Logger) (*streamBody, error) {
	reader, err := decompressReader(resp, logger)
	if err != nil {
		return nil, err
	}
	return &streamBody{ReadCloser: reader, cancel: cancel}, nil
}

func (s *streamBody) Close() error {
	err := s.ReadCloser.Close()
	s.once.Do(s.cancel)
	return err
}
