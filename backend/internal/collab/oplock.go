package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LockMode 决定操作锁的粒度
type LockMode string

const (
	// LockShared 每个组件只有一个令牌，按操作名区分：同名操作可共享持有，
	// 不同名操作无论针对哪个文档都要排队
	LockShared LockMode = "shared"
	// LockPerDocument 每个文档一个令牌，不同文档之间互不阻塞
	LockPerDocument LockMode = "perDocument"
)

var ErrLockReset = errors.New("LOCK_RESET")

// LockInfo 当前持有者的只读视图
type LockInfo struct {
	Operation  string    `json:"operation"`
	DocumentID string    `json:"documentId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	Holders    int       `json:"holders"`
}

type lockHolder struct {
	LockInfo
	gen uint64
}

type lockWaiter struct {
	operation  string
	documentID string
	key        string
	ready      chan struct{}
	// 交接时由释放方填入
	granted *lockHolder
	err     error
}

// OperationLock 咨询式互斥令牌 + FIFO 等待队列。
// 不可重入；持有超过 staleAfter 的令牌在下一次获取时被强制释放。
type OperationLock struct {
	mu         sync.Mutex
	mode       LockMode
	exclusive  bool
	staleAfter time.Duration
	now        func() time.Time
	logger     logrus.FieldLogger

	held  map[string]*lockHolder
	queue []*lockWaiter
	gen   uint64

	forcedReleases int
}

type OperationLockOptions struct {
	Mode LockMode
	// Exclusive 为 true 时同名操作也不能共享持有
	Exclusive  bool
	StaleAfter time.Duration
	Now        func() time.Time
	Logger     logrus.FieldLogger
}

func NewOperationLock(opt OperationLockOptions) *OperationLock {
	if opt.Mode == "" {
		opt.Mode = LockShared
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Logger == nil {
		opt.Logger = logrus.StandardLogger()
	}
	return &OperationLock{
		mode:       opt.Mode,
		exclusive:  opt.Exclusive,
		staleAfter: opt.StaleAfter,
		now:        opt.Now,
		logger:     opt.Logger,
		held:       make(map[string]*lockHolder),
	}
}

func (l *OperationLock) key(documentID string) string {
	if l.mode == LockPerDocument {
		return documentID
	}
	return ""
}

// Acquire 获取令牌；被占用时排队等待，按提交顺序交接。
// 返回的 release 只会释放本次获取的持有，重复调用无副作用。
func (l *OperationLock) Acquire(ctx context.Context, operation, documentID string) (func(), error) {
	l.mu.Lock()
	key := l.key(documentID)
	l.expireStaleLocked(key)

	if h, ok := l.tryAcquireLocked(key, operation, documentID); ok {
		l.mu.Unlock()
		return l.releaseFunc(key, h.gen), nil
	}

	w := &lockWaiter{operation: operation, documentID: documentID, key: key, ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.logger.WithField("action", "lock_queued").
		WithField("operation", operation).
		WithField("docId", documentID).
		WithField("queueLength", len(l.queue)).
		Debug("operation lock busy, queued")
	l.mu.Unlock()

	for {
		var staleTimer <-chan time.Time
		var timer *time.Timer
		if wait := l.untilStale(key); wait > 0 {
			timer = time.NewTimer(wait)
			staleTimer = timer.C
		}

		select {
		case <-w.ready:
			stopTimer(timer)
			if w.err != nil {
				return nil, w.err
			}
			return l.releaseFunc(key, w.granted.gen), nil

		case <-staleTimer:
			// 持有者可能已经崩溃，强制过期后按队列顺序交接
			l.mu.Lock()
			l.expireStaleLocked(key)
			l.mu.Unlock()

		case <-ctx.Done():
			stopTimer(timer)
			l.mu.Lock()
			select {
			case <-w.ready:
				// 已经被交接，放弃前先归还
				l.mu.Unlock()
				if w.granted != nil {
					l.releaseFunc(key, w.granted.gen)()
				}
			default:
				l.removeWaiterLocked(w)
				l.mu.Unlock()
			}
			return nil, ctx.Err()
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (l *OperationLock) tryAcquireLocked(key, operation, documentID string) (*lockHolder, bool) {
	h := l.held[key]
	if h == nil {
		if l.hasWaiterLocked(key) {
			return nil, false
		}
		return l.grantLocked(key, operation, documentID), true
	}
	// 共享模式下同名操作加入现有持有；有人排队时不插队
	if !l.exclusive && l.mode == LockShared && h.Operation == operation && !l.hasWaiterLocked(key) {
		h.Holders++
		return h, true
	}
	return nil, false
}

func (l *OperationLock) grantLocked(key, operation, documentID string) *lockHolder {
	l.gen++
	h := &lockHolder{
		LockInfo: LockInfo{Operation: operation, DocumentID: documentID, AcquiredAt: l.now(), Holders: 1},
		gen:      l.gen,
	}
	l.held[key] = h
	return h
}

func (l *OperationLock) releaseFunc(key string, gen uint64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			h := l.held[key]
			if h == nil || h.gen != gen {
				// 已被强制释放或重置
				return
			}
			h.Holders--
			if h.Holders > 0 {
				return
			}
			delete(l.held, key)
			l.handOffLocked(key)
		})
	}
}

// handOffLocked 把空闲令牌交给该 key 上最早的等待者。交接后立即停止，
// 不会同时放行两个操作。
func (l *OperationLock) handOffLocked(key string) {
	if l.held[key] != nil {
		return
	}
	for i, w := range l.queue {
		if w.key != key {
			continue
		}
		l.queue = append(l.queue[:i], l.queue[i+1:]...)
		w.granted = l.grantLocked(key, w.operation, w.documentID)
		close(w.ready)
		return
	}
}

func (l *OperationLock) expireStaleLocked(key string) {
	h := l.held[key]
	if h == nil || l.staleAfter <= 0 {
		return
	}
	age := l.now().Sub(h.AcquiredAt)
	if age <= l.staleAfter {
		return
	}
	l.logger.WithField("action", "lock_force_release").
		WithField("operation", h.Operation).
		WithField("docId", h.DocumentID).
		WithField("age", age.String()).
		Warn("operation lock held past stale threshold, force releasing")
	delete(l.held, key)
	l.forcedReleases++
	l.handOffLocked(key)
}

func (l *OperationLock) untilStale(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.held[key]
	if h == nil || l.staleAfter <= 0 {
		return 0
	}
	wait := h.AcquiredAt.Add(l.staleAfter).Sub(l.now())
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait + time.Millisecond
}

func (l *OperationLock) hasWaiterLocked(key string) bool {
	for _, w := range l.queue {
		if w.key == key {
			return true
		}
	}
	return false
}

func (l *OperationLock) removeWaiterLocked(target *lockWaiter) {
	for i, w := range l.queue {
		if w == target {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
}

// ForceRelease 清除某文档所在 key 上的持有（不论持有多久），并交接给下一个等待者
func (l *OperationLock) ForceRelease(documentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := l.key(documentID)
	if l.held[key] == nil {
		return false
	}
	delete(l.held, key)
	l.forcedReleases++
	l.handOffLocked(key)
	return true
}

// Reset 清空持有和队列，所有等待者收到 ErrLockReset
func (l *OperationLock) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = make(map[string]*lockHolder)
	for _, w := range l.queue {
		w.err = ErrLockReset
		close(w.ready)
	}
	l.queue = nil
}

// Current 返回当前持有者快照；共享模式下最多一个
func (l *OperationLock) Current() []LockInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LockInfo, 0, len(l.held))
	for _, h := range l.held {
		out = append(out, h.LockInfo)
	}
	return out
}

func (l *OperationLock) QueueLength() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *OperationLock) ForcedReleases() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.forcedReleases
}

func (l *OperationLock) Mode() LockMode { return l.mode }
