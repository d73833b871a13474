package endpoint

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSelector(t *testing.T, hosts ...string) *Selector {
	t.Helper()
	r, err := NewRegistry(hosts)
	require.NoError(t, err)
	return NewSelector(r)
}

func TestSelector_Defaults(t *testing.T) {
	s := newTestSelector(t, "http://a", "http://b", "http://c")

	assert.Equal(t, 0, s.ActiveHostIndex())
	assert.Equal(t, 0, s.LeaderHostIndex())
	assert.True(t, s.RoundRobin())
	assert.Equal(t, "http://a", s.ActiveHost(true))
	assert.Equal(t, "http://a", s.ActiveHost(false))
}

func TestSelector_ActiveHostUsesSeparateSlots(t *testing.T) {
	s := newTestSelector(t, "http://a", "http://b", "http://c")

	s.SetLeaderHostIndex(2)
	s.SetActiveHostIndex(1)

	assert.Equal(t, "http://c", s.ActiveHost(true))
	assert.Equal(t, "http://b", s.ActiveHost(false))
}

func TestSelector_Clamping(t *testing.T) {
	s := newTestSelector(t, "http://a", "http://b", "http://c")

	testCases := []struct {
		name     string
		index    int
		expected int
	}{
		{"negative", -5, 0},
		{"in range", 1, 1},
		{"equal to count", 3, 2},
		{"far above", 100, 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, s.SetActiveHostIndex(tc.index))
			assert.Equal(t, tc.expected, s.ActiveHostIndex())
			assert.Equal(t, tc.expected, s.SetLeaderHostIndex(tc.index))
			assert.Equal(t, tc.expected, s.LeaderHostIndex())
		})
	}
}

func TestSelector_NextActiveHostIndexIsPure(t *testing.T) {
	s := newTestSelector(t, "http://a", "http://b", "http://c")

	assert.Equal(t, 1, s.NextActiveHostIndex(0))
	assert.Equal(t, 2, s.NextActiveHostIndex(1))
	assert.Equal(t, 0, s.NextActiveHostIndex(2))
	assert.Equal(t, 0, s.ActiveHostIndex())
}

func TestSelector_RoundRobinAdvance(t *testing.T) {
	s := newTestSelector(t, "http://a", "http://b", "http://c")

	for i := 1; i <= 7; i++ {
		s.SetNextActiveHostIndex()
		assert.Equal(t, i%3, s.ActiveHostIndex())
	}
	assert.Equal(t, 0, s.LeaderHostIndex())
}

func TestSelector_RoundRobinNoop(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		s := newTestSelector(t, "http://a", "http://b")
		s.SetRoundRobin(false)
		s.SetNextActiveHostIndex()
		assert.Equal(t, 0, s.ActiveHostIndex())
	})

	t.Run("single host", func(t *testing.T) {
		s := newTestSelector(t, "http://a")
		s.SetNextActiveHostIndex()
		assert.Equal(t, 0, s.ActiveHostIndex())
	})
}

func TestSelector_SetHostsReclamps(t *testing.T) {
	s := newTestSelector(t, "http://a", "http://b", "http://c")
	s.SetActiveHostIndex(2)
	s.SetLeaderHostIndex(2)

	require.NoError(t, s.SetHosts([]string{"http://x", "http://y"}))
	assert.Equal(t, 1, s.ActiveHostIndex())
	assert.Equal(t, 1, s.LeaderHostIndex())
	assert.Equal(t, "http://y", s.ActiveHost(true))

	assert.ErrorIs(t, s.SetHosts(nil), ErrNoHosts)
	assert.Equal(t, []string{"http://x", "http://y"}, s.Registry().Hosts())
}

func TestSelector_ConcurrentAdvance(t *testing.T) {
	s := newTestSelector(t, "http://a", "http://b", "http://c", "http://d")

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.SetNextActiveHostIndex()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, s.ActiveHostIndex())
}
