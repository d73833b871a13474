package endpoint

import "sync"

// Selector 主机选择策略
// 写请求直接发往当前认为的 leader，读请求按 round robin 分散到各节点
// activeHostIndex 与 leaderHostIndex 只是提示信息，并发竞争只影响首个猜测
type Selector struct {
	registry        *Registry
	activeHostIndex int
	leaderHostIndex int
	roundRobin      bool
	mutex           sync.RWMutex
}

// NewSelector 创建选择策略，两个下标都从 0 开始，默认开启 round robin
func NewSelector(registry *Registry) *Selector {
	return &Selector{
		registry:   registry,
		roundRobin: true,
	}
}

// Registry 返回底层主机注册表
func (s *Selector) Registry() *Registry {
	return s.registry
}

// ActiveHost 返回本次请求应首先尝试的主机
func (s *Selector) ActiveHost(useLeader bool) string {
	if useLeader {
		return s.registry.Host(s.LeaderHostIndex())
	}
	return s.registry.Host(s.ActiveHostIndex())
}

// ActiveHostIndex 当前 round robin 下标
func (s *Selector) ActiveHostIndex() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.activeHostIndex
}

// LeaderHostIndex 当前认为的 leader 下标
func (s *Selector) LeaderHostIndex() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.leaderHostIndex
}

// SetActiveHostIndex 设置 round robin 下标，越界时夹到 [0, count-1]
func (s *Selector) SetActiveHostIndex(index int) int {
	clamped := clamp(index, s.registry.Count())

	s.mutex.Lock()
	s.activeHostIndex = clamped
	s.mutex.Unlock()
	return clamped
}

// SetLeaderHostIndex 设置 leader 下标，越界时夹到 [0, count-1]
func (s *Selector) SetLeaderHostIndex(index int) int {
	clamped := clamp(index, s.registry.Count())

	s.mutex.Lock()
	s.leaderHostIndex = clamped
	s.mutex.Unlock()
	return clamped
}

// NextActiveHostIndex 计算 from 之后的下一个下标，到末尾回绕到 0，不修改状态
func (s *Selector) NextActiveHostIndex(from int) int {
	count := s.registry.Count()
	if count == 0 {
		return 0
	}
	return (from + 1) % count
}

// SetNextActiveHostIndex 把 round robin 下标推进一位
// round robin 关闭或只有一个主机时不做任何事
func (s *Selector) SetNextActiveHostIndex() {
	if !s.RoundRobin() {
		return
	}
	count := s.registry.Count()
	if count <= 1 {
		return
	}

	s.mutex.Lock()
	s.activeHostIndex = clamp((s.activeHostIndex+1)%count, count)
	s.mutex.Unlock()
}

// RoundRobin 是否开启 round robin
func (s *Selector) RoundRobin() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.roundRobin
}

// SetRoundRobin 开关 round robin
func (s *Selector) SetRoundRobin(enabled bool) {
	s.mutex.Lock()
	s.roundRobin = enabled
	s.mutex.Unlock()
}

// SetHosts 替换主机列表并重新夹紧两个下标
func (s *Selector) SetHosts(hosts []string) error {
	if err := s.registry.SetHosts(hosts); err != nil {
		return err
	}

	count := s.registry.Count()
	s.mutex.Lock()
	s.activeHostIndex = clamp(s.activeHostIndex, count)
	s.leaderHostIndex = clamp(s.leaderHostIndex, count)
	s.mutex.Unlock()
	return nil
}

func clamp(index, count int) int {
	if index < 0 || count <= 0 {
		return 0
	}
	if index >= count {
		return count - 1
	}
	return index
}
