// Package api 在调度器之上封装 rqlite 的数据、状态和备份接口
package api

import (
	"context"
	"time"

	"rqlite-client/internal/dispatch"
)

const (
	PathQuery   = "/db/query"
	PathExecute = "/db/execute"
	PathStatus  = "/status"
	PathBackup  = "/db/backup"
	PathLoad    = "/db/load"
)

const (
	ContentTypeJSON        = "application/json"
	ContentTypeTextPlain   = "text/plain"
	ContentTypeOctetStream = "application/octet-stream"
)

// Fetcher 由 *dispatch.Dispatcher 实现
type Fetcher interface {
	Fetch(ctx context.Context, opts dispatch.FetchOptions) (*dispatch.Response, error)
	SetNextActiveHostIndex()
	Hosts() []string
}

// RequestOptions 各接口共用的请求参数
type RequestOptions struct {
	Timeout      time.Duration
	Retries      *int
	MaxRedirects *int
}

func (o RequestOptions) apply(opts *dispatch.FetchOptions) {
	opts.Timeout = o.Timeout
	opts.Retries = o.Retries
	opts.MaxRedirects = o.MaxRedirects
}

// Client 聚合全部接口
type Client struct {
	Data   *DataClient
	Status *StatusClient
	Backup *BackupClient
}

// NewClient 基于同一个调度器创建各接口客户端
func NewClient(fetcher Fetcher) *Client {
	return &Client{
		Data:   NewDataClient(fetcher),
		Status: NewStatusClient(fetcher),
		Backup: NewBackupClient(fetcher),
	}
}
