package collab

import (
	"context"
	"errors"
)

const DefaultSemaphoreLimit = 100

var (
	ErrSemaphoreTimeout     = errors.New("semaphore acquire reached time limit")
	ErrSemaphoreNotAcquired = errors.New("semaphore release without acquire")
)

// SemaphoreControl 限制并发数的计数信号量
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(limit int) *SemaphoreControl {
	if limit <= 0 {
		limit = DefaultSemaphoreLimit
	}
	return &SemaphoreControl{ch: make(chan struct{}, limit)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrSemaphoreTimeout
	}
}

// TryAcquire 不等待，满了直接返回 false
func (s *SemaphoreControl) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrSemaphoreNotAcquired
	}
}

func (s *SemaphoreControl) InUse() int { return len(s.ch) }

func (s *SemaphoreControl) Limit() int { return cap(s.ch) }
