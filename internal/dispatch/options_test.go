package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rqlite-client/internal/retry"
)

func TestQuery_Encode(t *testing.T) {
	testCases := []struct {
		name     string
		query    Query
		expected string
	}{
		{"empty", nil, ""},
		{"scalar values sorted", Query{"timings": true, "level": "weak", "pretty": false}, "level=weak&pretty=false&timings=true"},
		{"bracket arrays", Query{"q": []string{"SELECT 1", "SELECT 2"}}, "q%5B%5D=SELECT+1&q%5B%5D=SELECT+2"},
		{"mixed array", Query{"ids": []interface{}{1, "two"}}, "ids%5B%5D=1&ids%5B%5D=two"},
		{"nil skipped", Query{"a": nil, "b": 2}, "b=2"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.query.Encode())
		})
	}
}

func TestBuildURL(t *testing.T) {
	testCases := []struct {
		name       string
		host       string
		uri        string
		query      Query
		redirected bool
		expected   string
	}{
		{"relative with slash", "http://a:4001", "/db/query", nil, false, "http://a:4001/db/query"},
		{"relative without slash", "http://a:4001", "db/query", nil, false, "http://a:4001/db/query"},
		{"absolute ignores host", "http://a:4001", "https://b:4001/status", nil, false, "https://b:4001/status"},
		{"query appended", "http://a:4001", "/db/query", Query{"level": "none"}, false, "http://a:4001/db/query?level=none"},
		{"query merged with existing", "http://a:4001", "/db/query?pretty", Query{"level": "none"}, false, "http://a:4001/db/query?pretty&level=none"},
		{"redirect keeps location query", "http://a:4001", "http://b:4001/db/query?level=none", Query{"level": "none"}, true, "http://b:4001/db/query?level=none"},
		{"redirect without query", "http://a:4001", "http://b:4001/db/query", Query{"level": "none"}, true, "http://b:4001/db/query?level=none"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, buildURL(tc.host, tc.uri, tc.query, tc.redirected))
		})
	}
}

func TestMergeHeaders(t *testing.T) {
	body, err := newRequestBody("[]")
	require.NoError(t, err)

	merged := mergeHeaders(nil, http.MethodPost, body)
	assert.Equal(t, "application/json", merged.Get("Accept"))
	assert.Equal(t, "application/json", merged.Get("Content-Type"))

	merged = mergeHeaders(http.Header{"Accept": []string{"application/octet-stream"}}, http.MethodGet, nil)
	assert.Equal(t, "application/octet-stream", merged.Get("Accept"))
	assert.Empty(t, merged.Get("Content-Type"))
}

func TestNewRequestBody(t *testing.T) {
	_, err := newRequestBody(make(chan int))
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	body, err := newRequestBody(io.MultiReader())
	require.NoError(t, err)
	r, err := body.reader()
	require.NoError(t, err)
	data, _ := io.ReadAll(r)
	assert.Empty(t, data)

	none, err := newRequestBody(nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestErrorCode(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil", nil, ""},
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, retry.ErrCodeConnRefused},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), retry.ErrCodeConnReset},
		{"unreachable", syscall.ENETUNREACH, retry.ErrCodeNetUnreach},
		{"broken pipe", syscall.EPIPE, retry.ErrCodeBrokenPipe},
		{"address in use", syscall.EADDRINUSE, retry.ErrCodeAddrInUse},
		{"dns not found", &net.DNSError{Err: "no such host", Name: "x", IsNotFound: true}, retry.ErrCodeNotFound},
		{"dns temporary", &net.DNSError{Err: "try again", Name: "x", IsTemporary: true}, retry.ErrCodeDNSAgain},
		{"deadline", context.DeadlineExceeded, retry.ErrCodeTimedOut},
		{"eof", io.EOF, retry.ErrCodeConnReset},
		{"unknown", errors.New("boom"), ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, errorCode(tc.err))
		})
	}
}

func TestErrors_Messages(t *testing.T) {
	statusErr := &HTTPStatusError{StatusCode: 503, URL: "http://a/db/query", Body: []byte("leader not found")}
	assert.Contains(t, statusErr.Error(), "503")
	assert.Contains(t, statusErr.Error(), "leader not found")

	maxErr := &MaxRedirectsError{MaxRedirects: 10, URL: "http://a/db/execute"}
	assert.True(t, errors.Is(maxErr, ErrMaxRedirects))
	assert.Contains(t, maxErr.Error(), "10")

	wrapped := fmt.Errorf("failed to query: %w", &TransportError{Code: "ECONNREFUSED", URL: "http://a", Err: syscall.ECONNREFUSED})
	assert.Equal(t, "ECONNREFUSED", ErrorCode(wrapped))
	assert.Equal(t, 0, StatusCode(wrapped))
	assert.ErrorIs(t, wrapped, syscall.ECONNREFUSED)
}
