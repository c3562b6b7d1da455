package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"docguard/backend/internal/content"
)

const (
	DefaultBufferStaleAfter = 5 * time.Second

	opSetBuffer   = "setBuffer"
	opClearBuffer = "clearBuffer"
)

var ErrEditorNotReady = errors.New("editor not ready or loading")

// BufferState 文档的权威内存内容，只由 BufferGuard 修改
type BufferState struct {
	DocumentID string          `json:"documentId"`
	Blocks     []content.Block `json:"blocks"`
	Checksum   string          `json:"checksum"`
	Timestamp  time.Time       `json:"timestamp"`
	Version    int             `json:"version"`
}

// 紧急备份：每个文档只保留最近一次成功写入的内容
type emergencyBackup struct {
	blocks   []content.Block
	checksum string
	savedAt  time.Time
}

type BufferDiagnostics struct {
	BufferCount       int        `json:"bufferCount"`
	BackupCount       int        `json:"backupCount"`
	EditorReady       bool       `json:"editorReady"`
	EditorLoading     bool       `json:"editorLoading"`
	Lock              []LockInfo `json:"lock"`
	LockMode          LockMode   `json:"lockMode"`
	QueueLength       int        `json:"queueLength"`
	Writes            int        `json:"writes"`
	RejectedWrites    int        `json:"rejectedWrites"`
	CorruptionsFound  int        `json:"corruptionsFound"`
	Recoveries        int        `json:"recoveries"`
	FailedRecoveries  int        `json:"failedRecoveries"`
	ForcedLockRelease int        `json:"forcedLockReleases"`
}

type BufferGuardOptions struct {
	LockMode   LockMode
	StaleAfter time.Duration
	Validator  *content.Validator
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

// BufferGuard 持有每个文档的权威缓冲区：写入串行化、校验和完整性检查、
// 以及基于紧急备份的一次性恢复
type BufferGuard struct {
	mu      sync.RWMutex
	buffers map[string]*BufferState
	backups map[string]*emergencyBackup

	editorReady   bool
	editorLoading bool

	lock      *OperationLock
	validator *content.Validator
	logger    logrus.FieldLogger
	now       func() time.Time

	writes           int
	rejectedWrites   int
	corruptionsFound int
	recoveries       int
	failedRecoveries int
}

func NewBufferGuard(opt BufferGuardOptions) *BufferGuard {
	if opt.StaleAfter == 0 {
		opt.StaleAfter = DefaultBufferStaleAfter
	}
	if opt.Validator == nil {
		opt.Validator = content.NewValidator()
	}
	if opt.Logger == nil {
		opt.Logger = logrus.StandardLogger()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	logger := opt.Logger.WithField("component", "buffer_guard")
	return &BufferGuard{
		buffers: make(map[string]*BufferState),
		backups: make(map[string]*emergencyBackup),
		lock: NewOperationLock(OperationLockOptions{
			Mode:       opt.LockMode,
			StaleAfter: opt.StaleAfter,
			Now:        opt.Now,
			Logger:     logger,
		}),
		validator: opt.Validator,
		logger:    logger,
		now:       opt.Now,
	}
}

// SetEditorReady 由编辑界面上报
func (g *BufferGuard) SetEditorReady(ready bool) {
	g.mu.Lock()
	g.editorReady = ready
	g.mu.Unlock()
}

func (g *BufferGuard) SetEditorLoading(loading bool) {
	g.mu.Lock()
	g.editorLoading = loading
	g.mu.Unlock()
}

// Ready 编辑器已就绪且不在加载中
func (g *BufferGuard) Ready() bool { return g.canOperate() }

// 就绪是正确性前提而不是暂时争用，不满足时直接拒绝，不排队
func (g *BufferGuard) canOperate() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.editorReady && !g.editorLoading
}

// SetBuffer 写入文档内容。锁被其他操作占用时排队，按提交顺序执行。
func (g *BufferGuard) SetBuffer(ctx context.Context, documentID string, blocks []content.Block) bool {
	log := g.logger.WithField("action", "buffer_set").WithField("docId", documentID)
	if !g.canOperate() {
		log.Debug("editor not ready or loading, refusing write")
		g.countRejected()
		return false
	}

	release, err := g.lock.Acquire(ctx, opSetBuffer, documentID)
	if err != nil {
		log.WithError(err).Debug("buffer write abandoned while queued")
		g.countRejected()
		return false
	}
	defer release()

	// 排队期间编辑器状态可能已变化
	if !g.canOperate() {
		log.Debug("editor left ready state while queued, refusing write")
		g.countRejected()
		return false
	}

	if blocks == nil {
		log.Error("refusing buffer write: content is not a sequence")
		g.countRejected()
		return false
	}
	if integrity := g.validator.GetContentIntegrity(blocks); len(integrity.Issues) > 0 {
		log.WithField("issues", integrity.Issues).Warn("sanitizing buffer content before write")
	}

	sanitized := content.Sanitize(blocks)
	checksum := content.Checksum(sanitized)

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	// 先写紧急备份，再提交新状态
	g.backups[documentID] = &emergencyBackup{blocks: content.Clone(sanitized), checksum: checksum, savedAt: now}

	version := 1
	if prev := g.buffers[documentID]; prev != nil {
		version = prev.Version + 1
	}
	g.buffers[documentID] = &BufferState{
		DocumentID: documentID,
		Blocks:     sanitized,
		Checksum:   checksum,
		Timestamp:  now,
		Version:    version,
	}
	g.writes++
	log.WithField("version", version).WithField("blocks", len(sanitized)).Debug("buffer written")
	return true
}

// GetBuffer 返回内容副本。校验和不匹配时尝试从紧急备份恢复，并且本次返回 false，
// 调用方需要重新读取。
func (g *BufferGuard) GetBuffer(documentID string) ([]content.Block, bool) {
	g.mu.RLock()
	state := g.buffers[documentID]
	if state == nil {
		g.mu.RUnlock()
		return nil, false
	}
	if content.Checksum(state.Blocks) == state.Checksum {
		out := content.Clone(state.Blocks)
		g.mu.RUnlock()
		return out, true
	}
	g.mu.RUnlock()

	g.restoreFromBackup(documentID)
	return nil, false
}

// State 返回缓冲区状态副本（含版本和时间戳），不做完整性恢复
func (g *BufferGuard) State(documentID string) (BufferState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	state := g.buffers[documentID]
	if state == nil {
		return BufferState{}, false
	}
	out := *state
	out.Blocks = content.Clone(state.Blocks)
	return out, true
}

func (g *BufferGuard) restoreFromBackup(documentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	log := g.logger.WithField("action", "buffer_recover").WithField("docId", documentID)

	state := g.buffers[documentID]
	if state == nil {
		return
	}
	// 加写锁期间可能已被其他读者恢复
	actual := content.Checksum(state.Blocks)
	if actual == state.Checksum {
		return
	}
	g.corruptionsFound++
	log.WithField("expected", state.Checksum).WithField("actual", actual).Error("buffer corruption detected")

	backup := g.backups[documentID]
	if backup == nil || content.Checksum(backup.blocks) != backup.checksum {
		g.failedRecoveries++
		delete(g.buffers, documentID)
		log.Error("no usable emergency backup, buffer dropped")
		return
	}

	g.buffers[documentID] = &BufferState{
		DocumentID: documentID,
		Blocks:     content.Clone(backup.blocks),
		Checksum:   backup.checksum,
		Timestamp:  g.now(),
		Version:    state.Version + 1,
	}
	g.recoveries++
	log.WithField("backupSavedAt", backup.savedAt).Warn("buffer restored from emergency backup")
}

// ClearBuffer 移除文档缓冲区，与写入走同一把锁
func (g *BufferGuard) ClearBuffer(ctx context.Context, documentID string) bool {
	log := g.logger.WithField("action", "buffer_clear").WithField("docId", documentID)
	if !g.canOperate() {
		log.Debug("editor not ready or loading, refusing clear")
		return false
	}
	release, err := g.lock.Acquire(ctx, opClearBuffer, documentID)
	if err != nil {
		log.WithError(err).Debug("buffer clear abandoned while queued")
		return false
	}
	defer release()

	g.mu.Lock()
	delete(g.buffers, documentID)
	g.mu.Unlock()
	return true
}

// HasBuffer 只有存在且完整性有效时为 true
func (g *BufferGuard) HasBuffer(documentID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	state := g.buffers[documentID]
	return state != nil && content.Checksum(state.Blocks) == state.Checksum
}

func (g *BufferGuard) ValidateBuffer(documentID string) bool {
	return g.HasBuffer(documentID)
}

// ValidateBufferLength 额外检查块数量
func (g *BufferGuard) ValidateBufferLength(documentID string, expectedLength int) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	state := g.buffers[documentID]
	if state == nil || content.Checksum(state.Blocks) != state.Checksum {
		return false
	}
	return len(state.Blocks) == expectedLength
}

// EmergencyReset 相当于硬重启：清空缓冲区、备份、锁与队列，并重置就绪标记。任何时候可调用。
func (g *BufferGuard) EmergencyReset() {
	g.lock.Reset()
	g.mu.Lock()
	g.buffers = make(map[string]*BufferState)
	g.backups = make(map[string]*emergencyBackup)
	g.editorReady = false
	g.editorLoading = false
	g.writes, g.rejectedWrites = 0, 0
	g.corruptionsFound, g.recoveries, g.failedRecoveries = 0, 0, 0
	g.mu.Unlock()
	g.logger.WithField("action", "buffer_emergency_reset").Warn("buffer guard reset")
}

func (g *BufferGuard) QueueLength() int { return g.lock.QueueLength() }

func (g *BufferGuard) Diagnostics() BufferDiagnostics {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return BufferDiagnostics{
		BufferCount:       len(g.buffers),
		BackupCount:       len(g.backups),
		EditorReady:       g.editorReady,
		EditorLoading:     g.editorLoading,
		Lock:              g.lock.Current(),
		LockMode:          g.lock.Mode(),
		QueueLength:       g.lock.QueueLength(),
		Writes:            g.writes,
		RejectedWrites:    g.rejectedWrites,
		CorruptionsFound:  g.corruptionsFound,
		Recoveries:        g.recoveries,
		FailedRecoveries:  g.failedRecoveries,
		ForcedLockRelease: g.lock.ForcedReleases(),
	}
}

// UnrecoveredCorruption 报告是否有损坏未能从备份恢复
func (g *BufferGuard) UnrecoveredCorruption() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.failedRecoveries > 0
}

func (g *BufferGuard) countRejected() {
	g.mu.Lock()
	g.rejectedWrites++
	g.mu.Unlock()
}
