package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrNoWaitingWorker 表示没有处于等待状态的 worker 可供激活。
var ErrNoWaitingWorker = errors.New("no waiting worker")

// Registration 管理同一应用下新旧 worker 的交接：新版本安装完成后，
// 若没有活跃 worker 或开启了 SkipWaiting 则立即激活，否则进入等待，
// 直到 Promote 被调用。
type Registration struct {
	logger *logrus.Logger

	// promoteMu 串行化激活流程；mu 只保护 active/waiting 指针。
	promoteMu sync.Mutex
	mu        sync.RWMutex
	active    *Manager
	waiting   *Manager
}

// WorkerStatus 是单个 worker 的诊断快照。
type WorkerStatus struct {
	Generation string `json:"generation"`
	State      State  `json:"state"`
}

// RegistrationStatus 是 Registration 的诊断快照。
type RegistrationStatus struct {
	Active  *WorkerStatus `json:"active,omitempty"`
	Waiting *WorkerStatus `json:"waiting,omitempty"`
}

// NewRegistration 创建空的 Registration。
func NewRegistration(logger *logrus.Logger) *Registration {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Registration{logger: logger}
}

// Register 安装 m，并按 SkipWaiting 决定立即激活或进入等待。
// 安装失败时 m 被标记为 redundant，当前活跃 worker 不受影响。
func (r *Registration) Register(ctx context.Context, m *Manager) (*InstallReport, error) {
	if m == nil {
		return nil, errors.New("worker is required")
	}
	report, err := m.Install(ctx)
	if err != nil {
		return report, err
	}

	r.mu.Lock()
	if r.waiting != nil && r.waiting != m {
		r.waiting.Redundant()
	}
	r.waiting = m
	immediate := r.active == nil || m.SkipWaiting()
	r.mu.Unlock()

	if !immediate {
		r.logger.WithFields(logrus.Fields{
			"action":     "register",
			"app":        m.AppName(),
			"generation": m.Generation(),
		}).Info("worker_waiting")
		return report, nil
	}

	if _, err := r.Promote(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// Promote 激活等待中的 worker，并将原活跃 worker 标记为 redundant。
// 新 worker 先接管请求再清理旧代际，清理期间不持有读写锁，请求不会被阻塞。
func (r *Registration) Promote(ctx context.Context) (*ActivateReport, error) {
	r.promoteMu.Lock()
	defer r.promoteMu.Unlock()

	r.mu.Lock()
	next := r.waiting
	if next == nil {
		r.mu.Unlock()
		return nil, ErrNoWaitingWorker
	}
	prev := r.active
	r.waiting = nil
	r.active = next
	r.mu.Unlock()

	report, err := next.Activate(ctx)
	if err != nil {
		r.mu.Lock()
		if r.active == next {
			r.active = prev
		}
		if r.waiting == nil {
			r.waiting = next
		}
		r.mu.Unlock()
		return report, fmt.Errorf("activate %s: %w", next.Generation(), err)
	}

	if prev != nil && prev != next {
		prev.Redundant()
	}
	r.logger.WithFields(logrus.Fields{
		"action":     "claim",
		"app":        next.AppName(),
		"generation": next.Generation(),
	}).Info("worker_controlling")
	return report, nil
}

// Controller 返回当前控制请求的 worker，未激活任何 worker 时返回 nil。
func (r *Registration) Controller() *Manager {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting 返回等待激活的 worker。
func (r *Registration) Waiting() *Manager {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Status 返回诊断快照。
func (r *Registration) Status() RegistrationStatus {
	var status RegistrationStatus
	if r == nil {
		return status
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active != nil {
		status.Active = &WorkerStatus{Generation: r.active.Generation(), State: r.active.State()}
	}
	if r.waiting != nil {
		status.Waiting = &WorkerStatus{Generation: r.waiting.Generation(), State: r.waiting.State()}
	}
	return status
}
