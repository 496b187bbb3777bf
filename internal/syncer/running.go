package syncer

import "sync"

// runningSet は同期実行中のプリンシパルの集合。
// 判定と追加を同じロック内で行うため、同一プリンシパルが二重に入ることはない。
type runningSet struct {
	mu sync.Mutex
	m  map[string]struct{}
}

func newRunningSet() *runningSet {
	return &runningSet{m: make(map[string]struct{})}
}

// TryAcquire は集合に含まれていなければ追加して true を返す。
func (s *runningSet) TryAcquire(principalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[principalID]; ok {
		return false
	}
	s.m[principalID] = struct{}{}
	return true
}

func (s *runningSet) Release(principalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, principalID)
}

func (s *runningSet) Contains(principalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[principalID]
	return ok
}
