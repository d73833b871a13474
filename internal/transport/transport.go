package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"rqlite-client/config"
)

// CreateTransport 根据配置创建 HTTP 传输层，支持 http/https/socks5 代理
func CreateTransport(cfg *config.Config) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if cfg == nil || !cfg.Proxy.Enabled {
		return transport, nil
	}

	proxyURL, err := proxyURL(cfg.Proxy)
	if err != nil {
		return nil, err
	}

	switch cfg.Proxy.Type {
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
	case "socks5":
		var auth *proxy.Auth
		if cfg.Proxy.Username != "" {
			auth = &proxy.Auth{User: cfg.Proxy.Username, Password: cfg.Proxy.Password}
		}
		socksDialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create socks5 dialer: %w", err)
		}
		contextDialer, ok := socksDialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer does not support context")
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return contextDialer.DialContext(ctx, network, addr)
		}
	default:
		return nil, fmt.Errorf("unsupported proxy type: %s", cfg.Proxy.Type)
	}

	return transport, nil
}

// NewClient 创建不自动跟随重定向的 HTTP 客户端
// 301/302 必须原样返回给调度器，由其决定是否学习 leader 并跟随
func NewClient(cfg *config.Config) (*http.Client, error) {
	transport, err := CreateTransport(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// GetProxyInfo 返回代理配置的描述，用于启动日志
func GetProxyInfo(cfg *config.Config) string {
	if cfg == nil || !cfg.Proxy.Enabled {
		return "代理未启用"
	}
	u, err := proxyURL(cfg.Proxy)
	if err != nil {
		return fmt.Sprintf("代理配置无效: %v", err)
	}
	if cfg.Proxy.Username != "" {
		return fmt.Sprintf("代理已启用: %s://%s (用户: %s)", cfg.Proxy.Type, u.Host, cfg.Proxy.Username)
	}
	return fmt.Sprintf("代理已启用: %s://%s", cfg.Proxy.Type, u.Host)
}

func proxyURL(p config.ProxyConfig) (*url.URL, error) {
	raw := p.URL
	if raw == "" {
		raw = fmt.Sprintf("%s://%s", p.Type, net.JoinHostPort(p.Host, strconv.Itoa(p.Port)))
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proxy URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy URL has no host: %s", raw)
	}
	if p.Username != "" && u.User == nil && p.Type != "socks5" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}
