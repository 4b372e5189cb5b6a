package models

import (
	"fmt"
	"sync"
	"time"
)

// InstanceState represents the lifecycle state of a strategy instance
type InstanceState string

const (
	StateIdle     InstanceState = "idle"     // Created, lanes not started
	StateStarting InstanceState = "starting" // Ledgers refreshing, lanes spawning
	StateRunning  InstanceState = "running"  // Both lanes consuming
	StateStopping InstanceState = "stopping" // Queues closed, waiting for lanes
	StateStopped  InstanceState = "stopped"  // Lanes exited or abandoned
	StateFailed   InstanceState = "failed"   // Lane error budget exhausted
)

// StateTransition defines valid state transitions
type StateTransition struct {
	From        InstanceState
	To          InstanceState
	Condition   string
	Description string
}

// ValidTransitions lists the instance lifecycle.
var ValidTransitions = []StateTransition{
	{StateIdle, StateStarting, "start", "Start requested"},
	{StateStarting, StateRunning, "lanes_started", "Ledgers loaded and lanes running"},
	{StateStarting, StateFailed, "refresh_failed", "Ledger refresh failed"},
	{StateRunning, StateStopping, "stop", "Stop requested"},
	{StateRunning, StateFailed, "max_retries", "Lane error budget exhausted"},
	{StateStopping, StateStopped, "lanes_exited", "Lanes exited in time"},
	{StateStopping, StateStopped, "timeout", "Lanes abandoned after stop timeout"},
	{StateFailed, StateStopping, "stop", "Stop after failure"},
	{StateFailed, StateStopped, "lanes_exited", "Lanes exited after failure"},
	{StateStopped, StateStarting, "restart", "Restart a stopped instance"},
}

// StateMachine tracks an instance's lifecycle. It is safe for concurrent use.
type StateMachine struct {
	transitionTime time.Time
	counts         map[InstanceState]int
	currentState   InstanceState
	previousState  InstanceState
	mu             sync.RWMutex
}

// NewStateMachine creates a new state machine
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:   StateIdle,
		previousState:  StateIdle,
		transitionTime: time.Now().UTC(),
		counts:         make(map[InstanceState]int),
	}
}

// Current returns the current state
func (sm *StateMachine) Current() InstanceState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}

// Previous returns the previous state
func (sm *StateMachine) Previous() InstanceState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.previousState
}

// Since returns when the current state was entered.
func (sm *StateMachine) Since() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.transitionTime
}

// Count returns how many times the state has been entered.
func (sm *StateMachine) Count(state InstanceState) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.counts[state]
}

// IsValidTransition checks if a transition is valid
func (sm *StateMachine) IsValidTransition(to InstanceState, condition string) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.check(to, condition)
}

func (sm *StateMachine) check(to InstanceState, condition string) error {
	for _, t := range ValidTransitions {
		if t.From == sm.currentState && t.To == to && (condition == "" || t.Condition == condition) {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition '%s'", sm.currentState, to, condition)
}

// Transition moves to a new state
func (sm *StateMachine) Transition(to InstanceState, condition string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if err := sm.check(to, condition); err != nil {
		return err
	}
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.counts[to]++
	return nil
}

// IsActive reports whether lanes may still be consuming.
func (sm *StateMachine) IsActive() bool {
	s := sm.Current()
	return s == StateStarting || s == StateRunning
}
