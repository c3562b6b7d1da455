package collab

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"docguard/backend/internal/content"
)

const (
	DefaultCoordinatorStaleAfter = 30 * time.Second
	DefaultStuckAfter            = 30 * time.Second
	DefaultSyncMargin            = time.Second
	DefaultOperationRetention    = time.Hour

	opValidateSync = "validateSync"
	sinkTimeout    = 100 * time.Millisecond
)

type OperationType string

const (
	OpLoad   OperationType = "load"
	OpSave   OperationType = "save"
	OpSwitch OperationType = "switch"
	OpUpdate OperationType = "update"
)

type OperationStatus string

const (
	StatusPending  OperationStatus = "pending"
	StatusSuccess  OperationStatus = "success"
	StatusFailed   OperationStatus = "failed"
	StatusRollback OperationStatus = "rollback"
)

var (
	ErrContentInvalid   = errors.New("content failed validation")
	ErrBufferRejected   = errors.New("buffer guard rejected write")
	ErrSyncInconsistent = errors.New("buffer and snapshot are inconsistent")
)

// StateOperation 一次协调操作的记录
type StateOperation struct {
	ID         string          `json:"id"`
	Type       OperationType   `json:"type"`
	DocumentID string          `json:"documentId"`
	Timestamp  time.Time       `json:"timestamp"`
	Status     OperationStatus `json:"status"`
	Payload    any             `json:"payload,omitempty"`
	FinishedAt time.Time       `json:"finishedAt,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// OperationRecorder 接收每个操作的耗时和结果（健康监控用）
type OperationRecorder interface {
	RecordOperation(duration time.Duration, success bool)
}

// SnapshotSink 异步接收新快照事件，失败只记日志
type SnapshotSink interface {
	Enqueue(ctx context.Context, evt SnapshotEvent) error
}

// SnapshotWriter 同步持久化快照；出错则整个操作失败
type SnapshotWriter interface {
	SaveSnapshot(ctx context.Context, s Snapshot) error
}

// SnapshotDeleter 可选：写入方实现它时，失败操作已持久化的快照会被删掉
type SnapshotDeleter interface {
	DeleteSnapshot(ctx context.Context, documentID string, version int) error
}

// SnapshotSource 内存里没有快照时的冷启动来源，未找到返回 nil, nil
type SnapshotSource interface {
	LatestSnapshot(ctx context.Context, documentID string) (*Snapshot, error)
}

type CoordinatorOptions struct {
	LockMode           LockMode
	StaleAfter         time.Duration
	StuckAfter         time.Duration
	SyncMargin         time.Duration
	OperationRetention time.Duration
	MaxSnapshots       int

	Validator *content.Validator
	Logger    logrus.FieldLogger
	Now       func() time.Time

	Writer   SnapshotWriter
	Source   SnapshotSource
	Sinks    []SnapshotSink
	Recorder OperationRecorder
}

// opTxn 一次操作内追加的快照。成功后才通知下游；失败时按 saved 恢复历史
type opTxn struct {
	saved    map[string][]Snapshot
	appended []txnSnapshot
}

type txnSnapshot struct {
	snap   Snapshot
	reason OperationType
}

func newOpTxn() *opTxn {
	return &opTxn{saved: make(map[string][]Snapshot)}
}

type Health struct {
	IsHealthy          bool      `json:"isHealthy"`
	Issues             []string  `json:"issues"`
	PendingOperations  int       `json:"pendingOperations"`
	CorruptionDetected bool      `json:"corruptionDetected"`
	SyncDrift          bool      `json:"syncDrift"`
	CheckedAt          time.Time `json:"checkedAt"`
}

type CoordinatorDiagnostics struct {
	DocumentCount  int        `json:"documentCount"`
	SnapshotCount  int        `json:"snapshotCount"`
	OperationCount int        `json:"operationCount"`
	QueueLength    int        `json:"queueLength"`
	LockMode       LockMode   `json:"lockMode"`
	Lock           []LockInfo `json:"lock"`
	DriftDetected  int        `json:"driftDetected"`
	Rollbacks      int        `json:"rollbacks"`
	Health         Health     `json:"health"`
}

// Coordinator 对加载、保存、切换、更新做原子化编排：快照历史、漂移检测、失败回滚。
// 缓冲区只通过 BufferGuard 写入。
type Coordinator struct {
	mu         sync.RWMutex
	snapshots  map[string]*snapshotHistory
	operations map[string]*StateOperation
	drifting   map[string]bool

	driftDetected int
	rollbacks     int

	// 串行化快照追加，保证版本号和插入顺序一致
	appendMu sync.Mutex

	guard     *BufferGuard
	lock      *OperationLock
	validator *content.Validator
	logger    logrus.FieldLogger
	now       func() time.Time

	maxSnapshots int
	stuckAfter   time.Duration
	syncMargin   time.Duration
	retention    time.Duration

	writer   SnapshotWriter
	source   SnapshotSource
	sinks    []SnapshotSink
	recorder OperationRecorder
}

func NewCoordinator(guard *BufferGuard, opt CoordinatorOptions) *Coordinator {
	if opt.StaleAfter == 0 {
		opt.StaleAfter = DefaultCoordinatorStaleAfter
	}
	if opt.StuckAfter == 0 {
		opt.StuckAfter = DefaultStuckAfter
	}
	if opt.SyncMargin == 0 {
		opt.SyncMargin = DefaultSyncMargin
	}
	if opt.OperationRetention == 0 {
		opt.OperationRetention = DefaultOperationRetention
	}
	if opt.MaxSnapshots <= 0 {
		opt.MaxSnapshots = DefaultMaxSnapshots
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
	logger := opt.Logger.WithField("component", "coordinator")
	return &Coordinator{
		snapshots:  make(map[string]*snapshotHistory),
		operations: make(map[string]*StateOperation),
		drifting:   make(map[string]bool),
		guard:      guard,
		// 协调器的一次持有覆盖整个操作（含 switch 的两半），不允许同名共享
		lock: NewOperationLock(OperationLockOptions{
			Mode:       opt.LockMode,
			Exclusive:  true,
			StaleAfter: opt.StaleAfter,
			Now:        opt.Now,
			Logger:     logger,
		}),
		validator:    opt.Validator,
		logger:       logger,
		now:          opt.Now,
		maxSnapshots: opt.MaxSnapshots,
		stuckAfter:   opt.StuckAfter,
		syncMargin:   opt.SyncMargin,
		retention:    opt.OperationRetention,
		writer:       opt.Writer,
		source:       opt.Source,
		sinks:        opt.Sinks,
		recorder:     opt.Recorder,
	}
}

// SetRecorder 在构造之后挂上健康监控（两者互相引用）
func (c *Coordinator) SetRecorder(r OperationRecorder) {
	c.mu.Lock()
	c.recorder = r
	c.mu.Unlock()
}

// LoadNote 把最近的快照推入缓冲区；没有快照视为新文档，返回成功
func (c *Coordinator) LoadNote(ctx context.Context, documentID string) bool {
	return c.run(ctx, OpLoad, []string{documentID}, nil, func(ctx context.Context, tx *opTxn) error {
		return c.loadLatest(ctx, documentID)
	})
}

// SaveNote 校验 → 快照 → 写缓冲区
func (c *Coordinator) SaveNote(ctx context.Context, documentID string, blocks []content.Block) bool {
	payload := map[string]int{"blocks": len(blocks)}
	return c.run(ctx, OpSave, []string{documentID}, payload, func(ctx context.Context, tx *opTxn) error {
		if err := c.validate(blocks); err != nil {
			return err
		}
		sanitized := c.normalize(documentID, blocks)
		if _, err := c.appendSnapshot(ctx, tx, documentID, sanitized, OpSave); err != nil {
			return err
		}
		return c.pushBuffer(ctx, documentID, sanitized)
	})
}

// SwitchNote 先为离开的文档留快照，再加载目标文档，两步在同一次加锁内完成。
// fromID 为空表示当前没有打开的文档。
func (c *Coordinator) SwitchNote(ctx context.Context, fromID, toID string) bool {
	payload := map[string]string{"from": fromID, "to": toID}
	docs := []string{toID}
	if fromID != "" && fromID != toID {
		docs = append(docs, fromID)
	}
	return c.run(ctx, OpSwitch, docs, payload, func(ctx context.Context, tx *opTxn) error {
		if fromID != "" {
			if blocks, ok := c.guard.GetBuffer(fromID); ok {
				latest := c.latest(fromID)
				// 内容没变就不重复生成快照
				if latest == nil || latest.Checksum != content.Checksum(blocks) {
					if _, err := c.appendSnapshot(ctx, tx, fromID, blocks, OpSwitch); err != nil {
						return errors.Wrapf(err, "snapshot %s before switch", fromID)
					}
				}
			}
		}
		return c.loadLatest(ctx, toID)
	})
}

// UpdateNote 先对齐缓冲区与快照，确认一致后再提交新内容
func (c *Coordinator) UpdateNote(ctx context.Context, documentID string, blocks []content.Block) bool {
	payload := map[string]int{"blocks": len(blocks)}
	return c.run(ctx, OpUpdate, []string{documentID}, payload, func(ctx context.Context, tx *opTxn) error {
		if err := c.validate(blocks); err != nil {
			return err
		}
		if err := c.reconcile(ctx, tx, documentID); err != nil {
			return err
		}

		current, _ := c.guard.GetBuffer(documentID)
		var snapBlocks []content.Block
		if latest := c.latest(documentID); latest != nil {
			snapBlocks = latest.Content
		}
		if res := c.validator.ValidateStateConsistency(documentID, current, snapBlocks); !res.IsValid {
			return errors.Wrap(ErrSyncInconsistent, strings.Join(res.Errors, "; "))
		}

		sanitized := c.normalize(documentID, blocks)
		snap, err := c.appendSnapshot(ctx, tx, documentID, sanitized, OpUpdate)
		if err != nil {
			return err
		}
		if state, ok := c.guard.State(documentID); ok && state.Checksum == snap.Checksum {
			return nil
		}
		return c.pushBuffer(ctx, documentID, sanitized)
	})
}

// ValidateSync 单独触发一次缓冲区与最新快照的对齐
func (c *Coordinator) ValidateSync(ctx context.Context, documentID string) bool {
	release, err := c.acquire(ctx, opValidateSync, []string{documentID})
	if err != nil {
		return false
	}
	defer release()
	tx := newOpTxn()
	if err := c.reconcile(ctx, tx, documentID); err != nil {
		c.logger.WithField("action", "validate_sync").WithField("docId", documentID).
			WithError(err).Error("sync reconciliation failed")
		c.discard(ctx, tx)
		return false
	}
	c.commit(ctx, tx)
	return true
}

// run 操作的统一外壳：记录、加锁、执行、失败撤销与回滚、上报
func (c *Coordinator) run(ctx context.Context, typ OperationType, docs []string, payload any, body func(ctx context.Context, tx *opTxn) error) bool {
	started := c.now()
	documentID := docs[0]
	op := c.begin(typ, documentID, payload, started)
	log := c.logger.WithField("action", "operation_"+string(typ)).
		WithField("docId", documentID).
		WithField("operationId", op)

	release, err := c.acquire(ctx, string(typ), docs)
	if err != nil {
		log.WithError(err).Warn("operation abandoned while waiting for lock")
		c.finish(op, StatusFailed, err)
		c.record(started, false)
		return false
	}
	defer release()

	// 开始前编辑器未就绪直接拒绝，不生成快照也不回滚。
	// 执行中途失去就绪（pushBuffer 返回 ErrEditorNotReady）走下面的撤销回滚。
	if !c.guard.Ready() {
		log.WithError(ErrEditorNotReady).Warn("operation rejected")
		c.finish(op, StatusFailed, ErrEditorNotReady)
		c.record(started, false)
		return false
	}

	tx := newOpTxn()
	err = safeRun(ctx, tx, body)
	switch {
	case err == nil:
		c.commit(ctx, tx)
		c.finish(op, StatusSuccess, nil)
		c.record(started, true)
		return true
	case errors.Is(err, ErrContentInvalid):
		log.WithError(err).Warn("operation rejected")
		c.discard(ctx, tx)
		c.finish(op, StatusFailed, err)
		c.record(started, false)
		return false
	}

	log.WithError(err).Error("operation failed, rolling back")
	c.finish(op, StatusFailed, err)
	c.discard(ctx, tx)
	c.rollback(ctx, documentID)
	c.finish(op, StatusRollback, err)
	c.record(started, false)
	return false
}

func safeRun(ctx context.Context, tx *opTxn, body func(ctx context.Context, tx *opTxn) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return body(ctx, tx)
}

// acquire 按文档 id 排序依次加锁，避免交叉切换时互相等待；共享模式只有一个令牌，加一次即可
func (c *Coordinator) acquire(ctx context.Context, operation string, docs []string) (func(), error) {
	if c.lock.Mode() != LockPerDocument || len(docs) == 1 {
		return c.lock.Acquire(ctx, operation, docs[0])
	}
	ordered := append([]string(nil), docs...)
	sort.Strings(ordered)
	releases := make([]func(), 0, len(ordered))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, id := range ordered {
		release, err := c.lock.Acquire(ctx, operation, id)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func (c *Coordinator) validate(blocks []content.Block) error {
	res := c.validator.ValidateContent(blocks)
	if res.IsValid {
		return nil
	}
	return errors.Wrapf(ErrContentInvalid, "%s: %s", res.Severity, strings.Join(res.Errors, "; "))
}

// normalize 只有告警的内容照常保存，但快照和缓冲区都存清理后的版本，
// 与 BufferGuard 写入时的清理保持同一校验和
func (c *Coordinator) normalize(documentID string, blocks []content.Block) []content.Block {
	sanitized := content.Sanitize(blocks)
	if content.Checksum(sanitized) != content.Checksum(blocks) {
		c.logger.WithField("action", "content_normalized").
			WithField("docId", documentID).
			WithField("warnings", c.validator.ValidateContent(blocks).Warnings).
			Warn("content normalized before snapshot")
	}
	return sanitized
}

func (c *Coordinator) loadLatest(ctx context.Context, documentID string) error {
	snap, err := c.latestOrLoad(ctx, documentID)
	if err != nil {
		return err
	}
	if snap == nil {
		c.logger.WithField("action", "operation_load").WithField("docId", documentID).
			Debug("no snapshot, treating as new document")
		return nil
	}
	return c.pushBuffer(ctx, documentID, snap.Content)
}

// pushBuffer 所有缓冲区写入都经过 BufferGuard
func (c *Coordinator) pushBuffer(ctx context.Context, documentID string, blocks []content.Block) error {
	if c.guard.SetBuffer(ctx, documentID, blocks) {
		return nil
	}
	if !c.guard.Ready() {
		return ErrEditorNotReady
	}
	return ErrBufferRejected
}

func (c *Coordinator) latest(documentID string) *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshots[documentID].latest()
}

// latestOrLoad 内存优先，没有时回源并收编进历史
func (c *Coordinator) latestOrLoad(ctx context.Context, documentID string) (*Snapshot, error) {
	if snap := c.latest(documentID); snap != nil {
		return snap, nil
	}
	if c.source == nil {
		return nil, nil
	}
	snap, err := c.source.LatestSnapshot(ctx, documentID)
	if err != nil {
		return nil, errors.Wrapf(err, "load snapshot for %s", documentID)
	}
	if snap == nil {
		return nil, nil
	}
	adopted := snap.clone()
	adopted.DocumentID = documentID

	c.appendMu.Lock()
	c.mu.Lock()
	if c.snapshots[documentID].len() == 0 {
		c.history(documentID).append(adopted.clone())
	}
	c.mu.Unlock()
	c.appendMu.Unlock()
	return &adopted, nil
}

func (c *Coordinator) history(documentID string) *snapshotHistory {
	h := c.snapshots[documentID]
	if h == nil {
		h = newSnapshotHistory(c.maxSnapshots)
		c.snapshots[documentID] = h
	}
	return h
}

// appendSnapshot 生成新版本快照：先持久化（如配置），再写入内存历史并记入 tx。
// 下游通知等操作成功后由 commit 发出。
func (c *Coordinator) appendSnapshot(ctx context.Context, tx *opTxn, documentID string, blocks []content.Block, reason OperationType) (Snapshot, error) {
	// 重启后内存历史为空，先接上持久化里的版本号
	if _, err := c.latestOrLoad(ctx, documentID); err != nil {
		return Snapshot{}, err
	}

	c.appendMu.Lock()
	defer c.appendMu.Unlock()

	c.mu.RLock()
	version := c.snapshots[documentID].nextVersion()
	c.mu.RUnlock()

	snap := Snapshot{
		DocumentID: documentID,
		Content:    content.Clone(blocks),
		Timestamp:  c.now(),
		Checksum:   content.Checksum(blocks),
		Version:    version,
	}
	if c.writer != nil {
		if err := c.writer.SaveSnapshot(ctx, snap.clone()); err != nil {
			return Snapshot{}, errors.Wrapf(err, "persist snapshot %s v%d", documentID, version)
		}
	}

	c.mu.Lock()
	h := c.history(documentID)
	if _, ok := tx.saved[documentID]; !ok {
		tx.saved[documentID] = h.all()
	}
	h.append(snap.clone())
	c.mu.Unlock()
	tx.appended = append(tx.appended, txnSnapshot{snap: snap, reason: reason})

	c.logger.WithField("action", "snapshot_created").
		WithField("docId", documentID).
		WithField("version", version).
		WithField("reason", reason).
		Debug("snapshot appended")
	return snap, nil
}

// commit 操作成功，按追加顺序通知下游
func (c *Coordinator) commit(ctx context.Context, tx *opTxn) {
	for _, a := range tx.appended {
		c.publish(ctx, a.snap, a.reason)
	}
}

// discard 撤销本次操作追加的快照：内存历史恢复到操作开始前，持久化的行能删就删
func (c *Coordinator) discard(ctx context.Context, tx *opTxn) {
	if len(tx.appended) == 0 {
		return
	}
	c.appendMu.Lock()
	c.mu.Lock()
	for documentID, saved := range tx.saved {
		// 期间被紧急重置的文档不再恢复
		if h := c.snapshots[documentID]; h != nil {
			h.restore(saved)
		}
	}
	c.mu.Unlock()
	c.appendMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	deleter, _ := c.writer.(SnapshotDeleter)
	for _, a := range tx.appended {
		log := c.logger.WithField("action", "snapshot_discarded").
			WithField("docId", a.snap.DocumentID).
			WithField("version", a.snap.Version)
		if deleter != nil {
			if err := deleter.DeleteSnapshot(ctx, a.snap.DocumentID, a.snap.Version); err != nil {
				log.WithError(err).Error("discarded snapshot is still persisted")
				continue
			}
		}
		log.Warn("snapshot discarded, operation did not complete")
	}
}

func (c *Coordinator) publish(ctx context.Context, snap Snapshot, reason OperationType) {
	if len(c.sinks) == 0 {
		return
	}
	evt := SnapshotEvent{
		EventType: SnapshotEventType,
		DocID:     snap.DocumentID,
		Version:   snap.Version,
		Checksum:  snap.Checksum,
		Reason:    string(reason),
		Blocks:    snap.Content,
		CreatedAt: snap.Timestamp,
	}
	for _, sink := range c.sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
		if err := sink.Enqueue(sctx, evt); err != nil {
			c.logger.WithField("action", "snapshot_publish").
				WithField("docId", snap.DocumentID).
				WithField("version", snap.Version).
				WithError(err).Warn("snapshot event dropped")
		}
		cancel()
	}
}

// reconcile 比较缓冲区与最新快照的校验和。缓冲区比快照新出 syncMargin 以上
// （或者根本没有快照）时以缓冲区为准补一个快照，否则把快照推回缓冲区。
func (c *Coordinator) reconcile(ctx context.Context, tx *opTxn, documentID string) error {
	log := c.logger.WithField("action", "validate_sync").WithField("docId", documentID)

	state, hasBuffer := c.guard.State(documentID)
	if hasBuffer && content.Checksum(state.Blocks) != state.Checksum {
		// 触发 BufferGuard 的备份恢复后重读
		c.guard.GetBuffer(documentID)
		state, hasBuffer = c.guard.State(documentID)
	}
	latest := c.latest(documentID)

	switch {
	case !hasBuffer && latest == nil:
		return nil
	case hasBuffer && latest != nil && state.Checksum == latest.Checksum:
		c.setDrift(documentID, false)
		return nil
	}

	c.mu.Lock()
	c.driftDetected++
	c.mu.Unlock()

	bufferWins := latest == nil || (hasBuffer && state.Timestamp.Sub(latest.Timestamp) > c.syncMargin)
	log.WithField("hasBuffer", hasBuffer).
		WithField("hasSnapshot", latest != nil).
		WithField("bufferWins", bufferWins).
		Error("sync drift detected between buffer and snapshot")

	if bufferWins {
		if _, err := c.appendSnapshot(ctx, tx, documentID, state.Blocks, OperationType(opValidateSync)); err != nil {
			c.setDrift(documentID, true)
			return err
		}
	} else if err := c.pushBuffer(ctx, documentID, latest.Content); err != nil {
		c.setDrift(documentID, true)
		return errors.Wrap(err, "push snapshot into buffer")
	}
	c.setDrift(documentID, false)
	log.Info("sync drift resolved")
	return nil
}

func (c *Coordinator) setDrift(documentID string, drifting bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if drifting {
		c.drifting[documentID] = true
	} else {
		delete(c.drifting, documentID)
	}
}

// rollback 把缓冲区恢复到倒数第二个快照；历史不足两条时跳过
func (c *Coordinator) rollback(ctx context.Context, documentID string) bool {
	ctx = context.WithoutCancel(ctx)
	log := c.logger.WithField("action", "rollback").WithField("docId", documentID)

	c.mu.Lock()
	prev := c.snapshots[documentID].previous()
	c.rollbacks++
	c.mu.Unlock()

	if prev == nil {
		log.Warn("rollback skipped, fewer than two snapshots")
		return false
	}
	if !c.guard.SetBuffer(ctx, documentID, prev.Content) {
		log.WithField("version", prev.Version).Error("rollback failed, buffer guard rejected write")
		return false
	}
	log.WithField("version", prev.Version).Warn("buffer rolled back to previous snapshot")
	return true
}

func (c *Coordinator) begin(typ OperationType, documentID string, payload any, at time.Time) string {
	id := uuid.NewString()
	c.mu.Lock()
	c.operations[id] = &StateOperation{
		ID:         id,
		Type:       typ,
		DocumentID: documentID,
		Timestamp:  at,
		Status:     StatusPending,
		Payload:    payload,
	}
	c.mu.Unlock()
	return id
}

func (c *Coordinator) finish(id string, status OperationStatus, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op := c.operations[id]
	if op == nil {
		// 期间被紧急重置
		return
	}
	op.Status = status
	op.FinishedAt = c.now()
	if err != nil {
		op.Error = err.Error()
	}
}

func (c *Coordinator) record(started time.Time, success bool) {
	c.mu.RLock()
	r := c.recorder
	c.mu.RUnlock()
	if r != nil {
		r.RecordOperation(c.now().Sub(started), success)
	}
}

// GetHealth 检查卡住的操作、不可恢复的损坏和未解决的漂移。
// 卡住的操作如果还持有锁，会被强制释放。已完成且超过保留期的记录在这里清理。
func (c *Coordinator) GetHealth() Health {
	now := c.now()
	issues := []string{}
	var stuck []StateOperation
	pending := 0

	c.mu.Lock()
	for id, op := range c.operations {
		if op.Status != StatusPending {
			if now.Sub(op.FinishedAt) > c.retention {
				delete(c.operations, id)
			}
			continue
		}
		pending++
		if age := now.Sub(op.Timestamp); age > c.stuckAfter {
			stuck = append(stuck, *op)
			issues = append(issues, fmt.Sprintf("operation %s (%s on %s) pending for %s", op.ID, op.Type, op.DocumentID, age.Truncate(time.Second)))
		}
	}
	drifting := make([]string, 0, len(c.drifting))
	for id := range c.drifting {
		drifting = append(drifting, id)
	}
	c.mu.Unlock()

	for _, holder := range c.lock.Current() {
		for _, op := range stuck {
			if string(op.Type) == holder.Operation && op.DocumentID == holder.DocumentID {
				if c.lock.ForceRelease(holder.DocumentID) {
					c.logger.WithField("action", "health_check").
						WithField("operationId", op.ID).
						WithField("docId", op.DocumentID).
						Warn("stuck operation held the lock, force released")
				}
				break
			}
		}
	}

	corruption := c.guard.UnrecoveredCorruption()
	if corruption {
		issues = append(issues, "buffer corruption could not be recovered")
	}
	if len(drifting) > 0 {
		sort.Strings(drifting)
		issues = append(issues, "unresolved sync drift: "+strings.Join(drifting, ", "))
	}

	return Health{
		IsHealthy:          len(issues) == 0,
		Issues:             issues,
		PendingOperations:  pending,
		CorruptionDetected: corruption,
		SyncDrift:          len(drifting) > 0,
		CheckedAt:          now,
	}
}

// EmergencyReset 清空快照、操作记录、锁和队列，并级联重置 BufferGuard
func (c *Coordinator) EmergencyReset() {
	c.lock.Reset()
	c.appendMu.Lock()
	c.mu.Lock()
	c.snapshots = make(map[string]*snapshotHistory)
	c.operations = make(map[string]*StateOperation)
	c.drifting = make(map[string]bool)
	c.driftDetected, c.rollbacks = 0, 0
	c.mu.Unlock()
	c.appendMu.Unlock()
	c.guard.EmergencyReset()
	c.logger.WithField("action", "coordinator_emergency_reset").Warn("coordinator reset")
}

// LatestSnapshot 返回内存中最新快照的副本
func (c *Coordinator) LatestSnapshot(documentID string) (Snapshot, bool) {
	if s := c.latest(documentID); s != nil {
		return *s, true
	}
	return Snapshot{}, false
}

// Snapshots 按从旧到新返回某文档的快照历史
func (c *Coordinator) Snapshots(documentID string) []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshots[documentID].all()
}

// Operation 按 id 查单条操作记录
func (c *Coordinator) Operation(id string) (StateOperation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	op := c.operations[id]
	if op == nil {
		return StateOperation{}, false
	}
	return *op, true
}

// Operations 按开始时间排序返回全部操作记录
func (c *Coordinator) Operations() []StateOperation {
	c.mu.RLock()
	out := make([]StateOperation, 0, len(c.operations))
	for _, op := range c.operations {
		out = append(out, *op)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (c *Coordinator) QueueLength() int { return c.lock.QueueLength() }

func (c *Coordinator) Diagnostics() CoordinatorDiagnostics {
	health := c.GetHealth()
	c.mu.RLock()
	defer c.mu.RUnlock()
	count, docs := 0, 0
	for _, h := range c.snapshots {
		if h.len() > 0 {
			docs++
		}
		count += h.len()
	}
	return CoordinatorDiagnostics{
		DocumentCount:  docs,
		SnapshotCount:  count,
		OperationCount: len(c.operations),
		QueueLength:    c.lock.QueueLength(),
		LockMode:       c.lock.Mode(),
		Lock:           c.lock.Current(),
		DriftDetected:  c.driftDetected,
		Rollbacks:      c.rollbacks,
		Health:         health,
	}
}
