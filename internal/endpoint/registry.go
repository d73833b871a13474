package endpoint

import (
	"errors"
	"net/url"
	"strings"
	"sync"
)

// ErrNoHosts 主机列表规范化后为空
var ErrNoHosts = errors.New("at least one host must be provided")

// NormalizeHosts 去除首尾空白、丢弃空项、去掉末尾的 /
// 保持调用方给定的顺序，下标 0 默认视为 leader
func NormalizeHosts(hosts []string) []string {
	normalized := make([]string, 0, len(hosts))
	for _, h := range hosts {
		host := strings.TrimSuffix(strings.TrimSpace(h), "/")
		if host == "" {
			continue
		}
		normalized = append(normalized, host)
	}
	return normalized
}

// Registry 保存有序的集群节点地址列表
type Registry struct {
	hosts []string
	mutex sync.RWMutex
}

// NewRegistry 创建主机注册表，列表为空时返回 ErrNoHosts
func NewRegistry(hosts []string) (*Registry, error) {
	r := &Registry{}
	if err := r.SetHosts(hosts); err != nil {
		return nil, err
	}
	return r, nil
}

// SetHosts 替换主机列表
// 列表为空时保持原有列表不变并返回 ErrNoHosts
func (r *Registry) SetHosts(hosts []string) error {
	normalized := NormalizeHosts(hosts)
	if len(normalized) == 0 {
		return ErrNoHosts
	}

	r.mutex.Lock()
	r.hosts = normalized
	r.mutex.Unlock()
	return nil
}

// Hosts 返回主机列表的副本
func (r *Registry) Hosts() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]string, len(r.hosts))
	copy(out, r.hosts)
	return out
}

// Count 主机数量
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.hosts)
}

// Host 按下标获取主机，越界返回空字符串
func (r *Registry) Host(index int) string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if index < 0 || index >= len(r.hosts) {
		return ""
	}
	return r.hosts[index]
}

// hostKey 用于结构化比较的地址字段
type hostKey struct {
	scheme   string
	hostname string
	port     string
	path     string
}

func parseHostKey(raw string) (hostKey, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return hostKey{}, false
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return hostKey{
		scheme:   strings.ToLower(u.Scheme),
		hostname: strings.ToLower(u.Hostname()),
		port:     u.Port(),
		path:     path,
	}, true
}

// FindHostIndex 查找与 candidate 在 scheme、hostname、port、path 上完全一致的主机
// 未找到返回 -1
func (r *Registry) FindHostIndex(candidate string) int {
	return r.find(candidate, true)
}

// FindHostIndexByOrigin 只比较 scheme、hostname、port
// 重定向的 Location 通常带有请求路径，按来源匹配才能识别出 leader
func (r *Registry) FindHostIndexByOrigin(candidate string) int {
	return r.find(candidate, false)
}

func (r *Registry) find(candidate string, withPath bool) int {
	target, ok := parseHostKey(candidate)
	if !ok {
		return -1
	}

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for i, host := range r.hosts {
		key, ok := parseHostKey(host)
		if !ok {
			continue
		}
		if !withPath {
			key.path, target.path = "", ""
		}
		if key == target {
			return i
		}
	}
	return -1
}
