package order

import "fmt"

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机。转换表在构造后只读。
type StateMachine struct {
	transitions map[StateTransition]bool
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{transitions: make(map[StateTransition]bool)}
	sm.initializeTransitions()
	return sm
}

// initializeTransitions 只允许向前推进：PENDING→SUBMITTED→(PARTIAL→)终态
func (sm *StateMachine) initializeTransitions() {
	legalTransitions := []StateTransition{
		{StatusPending, StatusSubmitted},
		{StatusPending, StatusRejected},
		{StatusPending, StatusCancelled},

		{StatusSubmitted, StatusPartial},
		{StatusSubmitted, StatusFilled},
		{StatusSubmitted, StatusCancelled},
		{StatusSubmitted, StatusRejected},
		{StatusSubmitted, StatusExpired},

		{StatusPartial, StatusPartial}, // 多次部分成交
		{StatusPartial, StatusFilled},
		{StatusPartial, StatusCancelled},
		{StatusPartial, StatusExpired},

		// 终态不能转换（FILLED, CANCELLED, REJECTED, EXPIRED）
	}
	for _, t := range legalTransitions {
		sm.transitions[t] = true
	}
}

// ValidateTransition 验证状态转换是否合法
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	if from == to && from != StatusPartial {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if !sm.transitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// IsFinalState 判断是否是终态
func (sm *StateMachine) IsFinalState(status Status) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// CanCancel 判断当前状态下是否可以撤单
func (sm *StateMachine) CanCancel(status Status) bool {
	switch status {
	case StatusPending, StatusSubmitted, StatusPartial:
		return true
	default:
		return false
	}
}
