package api

import (
	"context"
	"fmt"
	"net/http"

	"rqlite-client/internal/dispatch"
)

// 读一致性级别
const (
	LevelNone   = "none"
	LevelWeak   = "weak"
	LevelStrong = "strong"
)

// QueryOptions 查询参数，零值的开关不会出现在查询串中
type QueryOptions struct {
	RequestOptions
	Level       string
	Pretty      bool
	Timings     bool
	Transaction bool
	UseLeader   bool
}

// ExecuteOptions 写入参数
type ExecuteOptions struct {
	RequestOptions
	Pretty      bool
	Timings     bool
	Transaction bool
	Atomic      bool
}

// DataClient /db/query 和 /db/execute
type DataClient struct {
	fetcher Fetcher
}

func NewDataClient(fetcher Fetcher) *DataClient {
	return &DataClient{fetcher: fetcher}
}

// Query 单条语句走 GET ?q=，多条语句以 JSON 数组 POST
// 只有 level=none 的读在主机间轮询，其余级别直接发往 leader
func (c *DataClient) Query(ctx context.Context, statements []string, opts QueryOptions) (*DataResults, error) {
	if len(statements) == 0 {
		return nil, &dispatch.ConfigurationError{Message: "at least one statement is required"}
	}

	useLeader := opts.UseLeader || opts.Level != LevelNone
	query := flags(opts.Pretty, opts.Timings, opts.Transaction, false)
	if opts.Level != "" {
		query["level"] = opts.Level
	}

	fetchOpts := dispatch.FetchOptions{
		URI:       PathQuery,
		Query:     query,
		UseLeader: useLeader,
	}
	opts.RequestOptions.apply(&fetchOpts)

	if len(statements) == 1 {
		fetchOpts.Method = http.MethodGet
		query["q"] = statements[0]
	} else {
		fetchOpts.Method = http.MethodPost
		fetchOpts.Body = statements
	}

	response, err := c.fetcher.Fetch(ctx, fetchOpts)
	if err != nil {
		return nil, err
	}

	// GET 成功后调度器已经推进轮询下标
	if !useLeader && fetchOpts.Method == http.MethodPost {
		c.fetcher.SetNextActiveHostIndex()
	}
	return parseDataResults(response.Body)
}

// Execute 写语句总是发往 leader
func (c *DataClient) Execute(ctx context.Context, statements []string, opts ExecuteOptions) (*DataResults, error) {
	if len(statements) == 0 {
		return nil, &dispatch.ConfigurationError{Message: "at least one statement is required"}
	}

	fetchOpts := dispatch.FetchOptions{
		URI:       PathExecute,
		Method:    http.MethodPost,
		Body:      statements,
		Query:     flags(opts.Pretty, opts.Timings, opts.Transaction, opts.Atomic),
		UseLeader: true,
	}
	opts.RequestOptions.apply(&fetchOpts)

	response, err := c.fetcher.Fetch(ctx, fetchOpts)
	if err != nil {
		return nil, err
	}
	results, err := parseDataResults(response.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse execute response: %w", err)
	}
	return results, nil
}

func flags(pretty, timings, transaction, atomic bool) dispatch.Query {
	query := dispatch.Query{}
	if pretty {
		query["pretty"] = true
	}
	if timings {
		query["timings"] = true
	}
	if transaction {
		query["transaction"] = true
	}
	if atomic {
		query["atomic"] = true
	}
	return query
}
