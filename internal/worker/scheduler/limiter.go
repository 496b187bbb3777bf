package scheduler

// Limiter は同時に実行するバックグラウンド同期の数を制限する。
// 空きがない場合は待たずに失敗を返す。待ち行列は持たない。
type Limiter struct {
	slots chan struct{}
}

// NewLimiter は最大 n 並列の Limiter を生成する。n が0以下なら1とする。
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		n = 1
	}
	return &Limiter{slots: make(chan struct{}, n)}
}

// TryAcquire は空きがあれば枠を確保して true を返す。
func (l *Limiter) TryAcquire() bool {
	select {
	case l.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release は TryAcquire で確保した枠を返す。
func (l *Limiter) Release() {
	<-l.slots
}

// InUse は使用中の枠の数を返す。
func (l *Limiter) InUse() int {
	return len(l.slots)
}

// Cap は最大並列数を返す。
func (l *Limiter) Cap() int {
	return cap(l.slots)
}
