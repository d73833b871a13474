package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"rqlite-client/internal/dispatch"
)

// 备份格式
const (
	FormatBinary = "binary"
	FormatSQL    = "sql"
)

// BackupClient /db/backup 和 /db/load
type BackupClient struct {
	fetcher Fetcher
}

func NewBackupClient(fetcher Fetcher) *BackupClient {
	return &BackupClient{fetcher: fetcher}
}

func checkFormat(format string) (string, error) {
	switch format {
	case "", FormatBinary, "dump":
		return FormatBinary, nil
	case FormatSQL:
		return FormatSQL, nil
	default:
		return "", &dispatch.ConfigurationError{Message: fmt.Sprintf("unsupported backup format %q", format)}
	}
}

// Backup 从 leader 流式下载备份，调用方负责关闭返回的流
func (c *BackupClient) Backup(ctx context.Context, format string, opts RequestOptions) (io.ReadCloser, error) {
	format, err := checkFormat(format)
	if err != nil {
		return nil, err
	}

	fetchOpts := dispatch.FetchOptions{
		URI:       PathBackup,
		Method:    http.MethodGet,
		Stream:    true,
		UseLeader: true,
		Header:    http.Header{"Accept": []string{ContentTypeOctetStream}},
	}
	if format == FormatSQL {
		fetchOpts.Query = dispatch.Query{"fmt": FormatSQL}
	}
	opts.apply(&fetchOpts)

	response, err := c.fetcher.Fetch(ctx, fetchOpts)
	if err != nil {
		return nil, err
	}
	return response.Stream, nil
}

// Load 把 SQL 文本或二进制快照上传到 leader
// 非 io.ReadSeeker 的 data 会先读入内存，以便重试和重定向时重放
func (c *BackupClient) Load(ctx context.Context, data io.Reader, format string, opts RequestOptions) ([]byte, error) {
	format, err := checkFormat(format)
	if err != nil {
		return nil, err
	}

	contentType := ContentTypeOctetStream
	if format == FormatSQL {
		contentType = ContentTypeTextPlain
	}

	fetchOpts := dispatch.FetchOptions{
		URI:       PathLoad,
		Method:    http.MethodPost,
		Body:      data,
		UseLeader: true,
		Header:    http.Header{"Content-Type": []string{contentType}},
	}
	opts.apply(&fetchOpts)

	response, err := c.fetcher.Fetch(ctx, fetchOpts)
	if err != nil {
		return nil, err
	}
	return response.Body, nil
}
