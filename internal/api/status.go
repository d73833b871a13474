package api

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"rqlite-client/internal/dispatch"
)

// HostStatus 单个主机的 /status 结果
type HostStatus struct {
	Host   string                 `json:"host"`
	Status map[string]interface{} `json:"status,omitempty"`
	Error  string                 `json:"error,omitempty"`
	Err    error                  `json:"-"`
}

// StatusClient /status 诊断接口
type StatusClient struct {
	fetcher Fetcher
}

func NewStatusClient(fetcher Fetcher) *StatusClient {
	return &StatusClient{fetcher: fetcher}
}

// Status 读取 leader 的状态
func (c *StatusClient) Status(ctx context.Context, opts RequestOptions) (map[string]interface{}, error) {
	fetchOpts := dispatch.FetchOptions{
		URI:       PathStatus,
		Method:    http.MethodGet,
		UseLeader: true,
	}
	opts.apply(&fetchOpts)
	return c.fetchStatus(ctx, fetchOpts)
}

// StatusAllHosts 并发读取每个主机的状态，单个主机失败记录在对应项里
// 使用绝对地址，所以不会切换到其他主机；未指定 Retries 时不重试
func (c *StatusClient) StatusAllHosts(ctx context.Context, opts RequestOptions) []HostStatus {
	hosts := c.fetcher.Hosts()
	results := make([]HostStatus, len(hosts))

	if opts.Retries == nil {
		noRetries := 0
		opts.Retries = &noRetries
	}

	var wg sync.WaitGroup
	for i, host := range hosts {
		wg.Add(1)
		go func(i int, host string) {
			defer wg.Done()
			fetchOpts := dispatch.FetchOptions{
				URI:    strings.TrimRight(host, "/") + PathStatus,
				Method: http.MethodGet,
			}
			opts.apply(&fetchOpts)

			status, err := c.fetchStatus(ctx, fetchOpts)
			results[i] = HostStatus{Host: host, Status: status, Err: err}
			if err != nil {
				results[i].Error = err.Error()
			}
		}(i, host)
	}
	wg.Wait()

	return results
}

func (c *StatusClient) fetchStatus(ctx context.Context, opts dispatch.FetchOptions) (map[string]interface{}, error) {
	response, err := c.fetcher.Fetch(ctx, opts)
	if err != nil {
		return nil, err
	}
	var status map[string]interface{}
	if err := response.JSON(&status); err != nil {
		return nil, err
	}
	return status, nil
}
