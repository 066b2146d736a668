package ticket

import "sync"

// CommitSignal wakes every waiter at once. It stands in for a condition
// variable that can also be selected on together with a timeout or a
// context.
type CommitSignal struct {
    mu sync.Mutex
    ch chan struct{}
}

func NewCommitSignal() *CommitSignal { return &CommitSignal{ch: make(chan struct{})} }

// Wait returns a channel closed by the next Broadcast.
func (s *CommitSignal) Wait() <-chan struct{} {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.ch
}

func (s *CommitSignal) Broadcast() {
    s.mu.Lock()
    close(s.ch)
    s.ch = make(chan struct{})
    s.mu.Unlock()
}
