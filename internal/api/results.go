package api

import (
	"encoding/json"
	"fmt"
)

// DataResult /db/query 或 /db/execute 返回的单条语句结果
type DataResult struct {
	Columns      []string        `json:"columns,omitempty"`
	Types        []string        `json:"types,omitempty"`
	Values       [][]interface{} `json:"values,omitempty"`
	LastInsertID *int64          `json:"last_insert_id,omitempty"`
	RowsAffected int64           `json:"rows_affected,omitempty"`
	Error        string          `json:"error,omitempty"`
	Time         float64         `json:"time,omitempty"`
}

// Rows 把 values 按列名映射为行
func (r DataResult) Rows() []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(r.Values))
	for _, values := range r.Values {
		row := make(map[string]interface{}, len(values))
		for i, value := range values {
			if i < len(r.Columns) {
				row[r.Columns[i]] = value
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// ResultError 语句级错误，HTTP 层仍然是 200
type ResultError struct {
	Index   int
	Message string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("statement %d: %s", e.Index, e.Message)
}

// DataResults 一次数据接口调用的全部结果
type DataResults struct {
	Results []DataResult `json:"results"`
	Time    float64      `json:"time,omitempty"`
}

// HasError 任意语句失败时为 true
func (r *DataResults) HasError() bool {
	return r.FirstError() != nil
}

// FirstError 返回第一个失败语句的错误
func (r *DataResults) FirstError() error {
	for i, result := range r.Results {
		if result.Error != "" {
			return &ResultError{Index: i, Message: result.Error}
		}
	}
	return nil
}

// Rows 合并所有语句的行
func (r *DataResults) Rows() []map[string]interface{} {
	var rows []map[string]interface{}
	for _, result := range r.Results {
		rows = append(rows, result.Rows()...)
	}
	return rows
}

func parseDataResults(body []byte) (*DataResults, error) {
	var raw struct {
		Results []DataResult `json:"results"`
		Time    float64      `json:"time"`
		Error   string       `json:"error"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode data results: %w", err)
	}
	if raw.Results == nil {
		if raw.Error != "" {
			return nil, fmt.Errorf("rqlite error: %s", raw.Error)
		}
		return nil, fmt.Errorf("response has no results property")
	}
	return &DataResults{Results: raw.Results, Time: raw.Time}, nil
}
