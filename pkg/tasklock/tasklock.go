// Package tasklock serialises backup and import jobs within the process.
package tasklock

import "sync"

// Lock admits one job at a time and reports which one is running
type Lock struct {
	mu      sync.Mutex
	running string
}

// Default is shared by the admin server and the scheduler
var Default = &Lock{}

// TryLock claims the lock for task. It returns the running task and false
// when another task holds it.
func (l *Lock) TryLock(task string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running != "" {
		return l.running, false
	}
	l.running = task
	return task, true
}

// Unlock releases the lock
func (l *Lock) Unlock() {
	l.mu.Lock()
	l.running = ""
	l.mu.Unlock()
}

// Running returns the task holding the lock, or ""
func (l *Lock) Running() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
