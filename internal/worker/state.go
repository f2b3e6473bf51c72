package worker

import (
	"errors"
	"fmt"
)

// State 是 worker 的生命周期状态。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// ErrInvalidState 表示在错误的生命周期阶段调用了 Install/Activate。
var ErrInvalidState = errors.New("worker in invalid state")

func (s State) String() string {
	return string(s)
}

// transition 校验并执行一次状态迁移，调用方需持有锁。
func (w *Worker) transition(from, to State) error {
	if w.state != from {
		return fmt.Errorf("%w: %s -> %s (currently %s)", ErrInvalidState, from, to, w.state)
	}
	w.state = to
	return nil
}
