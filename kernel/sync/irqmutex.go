// Package sync provides the single critical-section primitive the core
// needs: on a single-CPU kernel (see the SMP non-goal) disabling interrupts
// for the duration of a critical section is sufficient to make it atomic
// with respect to every other piece of code that could touch the same
// state, since nothing else can run concurrently on another core.
package sync

import "github.com/talus-os/talus/kernel/cpu"

// IRQMutex guards a critical section by disabling interrupts for its
// duration. It must never be held across a context switch; callers that
// need to release it around a low-level switch should Unlock before
// switching and Lock again afterwards.
type IRQMutex struct {
	held bool
}

// Lock disables interrupts and marks the mutex held.
func (m *IRQMutex) Lock() {
	cpu.DisableInterrupts()
	m.held = true
}

// Unlock marks the mutex free and re-enables interrupts.
func (m *IRQMutex) Unlock() {
	m.held = false
	cpu.EnableInterrupts()
}

// Held reports whether the mutex is currently locked; used by interrupt
// handlers that must fall back to a lock-free path instead of blocking.
func (m *IRQMutex) Held() bool {
	return m.held
}
