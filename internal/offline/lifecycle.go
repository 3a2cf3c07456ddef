package offline

import (
	"errors"
	"sync/atomic"
)

// State 描述一个 worker 实例的生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// ErrInvalidState 表示当前生命周期阶段不允许执行该操作。
var ErrInvalidState = errors.New("invalid worker state")

type lifecycle struct {
	state atomic.Value
}

func newLifecycle() *lifecycle {
	l := &lifecycle{}
	l.state.Store(StateParsed)
	return l
}

func (l *lifecycle) load() State {
	return l.state.Load().(State)
}

func (l *lifecycle) store(s State) {
	l.state.Store(s)
}

// transition 仅当当前阶段属于 from 时切换到 to。
func (l *lifecycle) transition(to State, from ...State) bool {
	for {
		current := l.state.Load()
		allowed := false
		for _, f := range from {
			if current.(State) == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
		if l.state.CompareAndSwap(current, to) {
			return true
		}
	}
}
