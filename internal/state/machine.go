package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/langchou/parkgate/internal/models"
	"github.com/looplab/fsm"
)

// StateAbsent 标签还没有任何会话
const StateAbsent = "absent"

// 事件常量
const (
	EventEntryScan        = "entry_scan"
	EventEntryCaptured    = "entry_captured"
	EventExitScan         = "exit_scan"
	EventExitCleared      = "exit_cleared"
	EventPaymentRequired  = "payment_required"
	EventSecurityHold     = "security_hold"
	EventPaymentConfirmed = "payment_confirmed"
	EventCaptureTimeout   = "capture_timeout"
)

func st(s models.SessionStatus) string { return string(s) }

// transitions 状态转换表
var transitions = fsm.Events{
	// 入场
	{Name: EventEntryScan, Src: []string{StateAbsent, st(models.StatusClosed)}, Dst: st(models.StatusAwaitingEntryCapture)},
	{Name: EventEntryCaptured, Src: []string{st(models.StatusAwaitingEntryCapture)}, Dst: st(models.StatusOpen)},

	// 出场
	{Name: EventExitScan, Src: []string{st(models.StatusOpen)}, Dst: st(models.StatusAwaitingExitCapture)},
	{Name: EventExitCleared, Src: []string{st(models.StatusAwaitingExitCapture)}, Dst: st(models.StatusClosed)},
	{Name: EventPaymentRequired, Src: []string{st(models.StatusAwaitingExitCapture)}, Dst: st(models.StatusAwaitingPayment)},
	{Name: EventSecurityHold, Src: []string{st(models.StatusAwaitingExitCapture)}, Dst: st(models.StatusSecurityHold)},

	// 人工收费
	{Name: EventPaymentConfirmed, Src: []string{st(models.StatusAwaitingPayment)}, Dst: st(models.StatusClosed)},

	// 抓拍超时
	{Name: EventCaptureTimeout, Src: []string{st(models.StatusAwaitingEntryCapture), st(models.StatusAwaitingExitCapture)}, Dst: st(models.StatusClosed)},
}

// Target 事件的目标状态
func Target(event string) (models.SessionStatus, bool) {
	for _, t := range transitions {
		if t.Name == event {
			return models.SessionStatus(t.Dst), true
		}
	}
	return "", false
}

// Machine 单个 RFID 标签的会话状态机
// 同一标签的事件处理必须在 Lock/Unlock 之间完成，不同标签互不影响
type Machine struct {
	mu            sync.Mutex
	tagID         string
	fsm           *fsm.FSM
	session       *models.ParkingSession
	timer         *time.Timer
	onStateChange func(tagID, from, to string)
}

// NewMachine 创建状态机，session 为空时从 absent 开始
func NewMachine(tagID string, session *models.ParkingSession, onStateChange func(tagID, from, to string)) *Machine {
	initialState := StateAbsent
	if session != nil {
		initialState = string(session.Status)
	}

	m := &Machine{
		tagID:         tagID,
		session:       session.Clone(),
		onStateChange: onStateChange,
	}

	m.fsm = fsm.NewFSM(
		initialState,
		transitions,
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(m.tagID, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// TagID 标签
func (m *Machine) TagID() string {
	return m.tagID
}

// Lock 获取标签写锁
func (m *Machine) Lock() {
	m.mu.Lock()
}

// Unlock 释放标签写锁
func (m *Machine) Unlock() {
	m.mu.Unlock()
}

// Current 当前状态，调用方须持有锁
func (m *Machine) Current() string {
	return m.fsm.Current()
}

// Can 是否可以触发事件，调用方须持有锁
func (m *Machine) Can(event string) bool {
	return m.fsm.Can(event)
}

// Session 当前会话副本，调用方须持有锁
func (m *Machine) Session() *models.ParkingSession {
	return m.session.Clone()
}

// Commit 触发事件并替换会话，next 必须已经持久化，调用方须持有锁
func (m *Machine) Commit(ctx context.Context, event string, next *models.ParkingSession) error {
	dst, ok := Target(event)
	if !ok {
		return fmt.Errorf("unknown event %s", event)
	}
	if next == nil || next.Status != dst {
		return fmt.Errorf("commit event %s: session status does not match %s", event, dst)
	}

	if err := m.fsm.Event(ctx, event); err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}
	m.session = next.Clone()
	return nil
}

// ArmTimer 设置抓拍等待计时器，已有计时器会被取消，调用方须持有锁
func (m *Machine) ArmTimer(d time.Duration, fn func()) {
	m.StopTimer()
	if d < 0 {
		d = 0
	}
	m.timer = time.AfterFunc(d, fn)
}

// StopTimer 取消计时器，调用方须持有锁
func (m *Machine) StopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Snapshot 获取当前会话副本，没有会话时返回 nil
func (m *Machine) Snapshot() *models.ParkingSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Clone()
}

// Manager 状态机管理器
type Manager struct {
	mu       sync.RWMutex
	machines map[string]*Machine
	onChange func(tagID, from, to string)
}

// NewManager 创建管理器
func NewManager(onChange func(tagID, from, to string)) *Manager {
	return &Manager{
		machines: make(map[string]*Machine),
		onChange: onChange,
	}
}

// GetOrCreate 获取或创建状态机
func (m *Manager) GetOrCreate(tagID string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if machine, ok := m.machines[tagID]; ok {
		return machine
	}

	machine := NewMachine(tagID, nil, m.onChange)
	m.machines[tagID] = machine
	return machine
}

// Get 获取状态机
func (m *Manager) Get(tagID string) (*Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	machine, ok := m.machines[tagID]
	return machine, ok
}

// Restore 按持久化的会话重建状态机，已存在的标签不会被覆盖
func (m *Manager) Restore(sessions []*models.ParkingSession) []*Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	restored := make([]*Machine, 0, len(sessions))
	for _, s := range sessions {
		if s == nil || s.TagID == "" {
			continue
		}
		if _, ok := m.machines[s.TagID]; ok {
			continue
		}
		machine := NewMachine(s.TagID, s, m.onChange)
		m.machines[s.TagID] = machine
		restored = append(restored, machine)
	}
	return restored
}

// GetAllStates 获取所有标签的状态
func (m *Manager) GetAllStates() map[string]string {
	m.mu.RLock()
	machines := make([]*Machine, 0, len(m.machines))
	for _, machine := range m.machines {
		machines = append(machines, machine)
	}
	m.mu.RUnlock()

	states := make(map[string]string, len(machines))
	for _, machine := range machines {
		machine.mu.Lock()
		states[machine.tagID] = machine.fsm.Current()
		machine.mu.Unlock()
	}
	return states
}

// ActiveSessions 所有未关闭会话的副本，按标签排序
func (m *Manager) ActiveSessions() []*models.ParkingSession {
	m.mu.RLock()
	machines := make([]*Machine, 0, len(m.machines))
	for _, machine := range m.machines {
		machines = append(machines, machine)
	}
	m.mu.RUnlock()

	var out []*models.ParkingSession
	for _, machine := range machines {
		s := machine.Snapshot()
		if s != nil && s.IsActive() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TagID < out[j].TagID })
	return out
}
