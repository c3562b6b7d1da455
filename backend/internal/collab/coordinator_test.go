package collab

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docguard/backend/internal/content"
)

type toggleWriter struct {
	fail  atomic.Bool
	panic atomic.Bool
	mu    sync.Mutex
	saved []Snapshot
}

func (w *toggleWriter) SaveSnapshot(_ context.Context, s Snapshot) error {
	if w.panic.Load() {
		panic("writer exploded")
	}
	if w.fail.Load() {
		return errors.New("disk full")
	}
	w.mu.Lock()
	w.saved = append(w.saved, s)
	w.mu.Unlock()
	return nil
}

// blockingWriter 在 entered 发信号后一直卡到 unblock 关闭
type blockingWriter struct {
	entered chan struct{}
	unblock chan struct{}
}

func (w *blockingWriter) SaveSnapshot(ctx context.Context, _ Snapshot) error {
	close(w.entered)
	<-w.unblock
	return nil
}

type staticSource struct {
	snap *Snapshot
	err  error
}

func (s staticSource) LatestSnapshot(context.Context, string) (*Snapshot, error) {
	return s.snap, s.err
}

type captureSink struct {
	mu     sync.Mutex
	events []SnapshotEvent
	err    error
}

func (s *captureSink) Enqueue(_ context.Context, evt SnapshotEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, evt)
	return nil
}

// memWriter 支持删除的内存持久化层，after 在每次写入成功后调用
type memWriter struct {
	mu       sync.Mutex
	versions map[int]Snapshot
	after    func(Snapshot)
}

func (w *memWriter) SaveSnapshot(_ context.Context, s Snapshot) error {
	w.mu.Lock()
	if w.versions == nil {
		w.versions = make(map[int]Snapshot)
	}
	w.versions[s.Version] = s
	after := w.after
	w.mu.Unlock()
	if after != nil {
		after(s)
	}
	return nil
}

func (w *memWriter) DeleteSnapshot(_ context.Context, _ string, version int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.versions, version)
	return nil
}

func (w *memWriter) setAfter(fn func(Snapshot)) {
	w.mu.Lock()
	w.after = fn
	w.mu.Unlock()
}

func (w *memWriter) stored() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int, 0, len(w.versions))
	for v := range w.versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// funcSink 投递时先调用 fn 再记录事件
type funcSink struct {
	captureSink
	fn func()
}

func (s *funcSink) Enqueue(ctx context.Context, evt SnapshotEvent) error {
	if s.fn != nil {
		s.fn()
	}
	return s.captureSink.Enqueue(ctx, evt)
}

func (s *captureSink) versions() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.events))
	for _, evt := range s.events {
		out = append(out, evt.Version)
	}
	return out
}

type countingRecorder struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (r *countingRecorder) RecordOperation(_ time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.successes++
	} else {
		r.failures++
	}
}

func newTestCoordinator(clock *fakeClock, opt CoordinatorOptions) (*Coordinator, *BufferGuard) {
	guard := newReadyGuard(clock)
	opt.Logger = quietLogger()
	if clock != nil {
		opt.Now = clock.Now
	}
	return NewCoordinator(guard, opt), guard
}

func lastOperation(t *testing.T, c *Coordinator) StateOperation {
	t.Helper()
	ops := c.Operations()
	require.NotEmpty(t, ops)
	return ops[len(ops)-1]
}

func TestCoordinator_SaveThenLoad(t *testing.T) {
	c, guard := newTestCoordinator(newFakeClock(), CoordinatorOptions{})
	ctx := context.Background()

	require.True(t, c.SaveNote(ctx, "doc", paragraphs("a", "b")))
	snap, ok := c.LatestSnapshot("doc")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, []string{"a", "b"}, blockIDs(snap.Content))

	state, ok := guard.State("doc")
	require.True(t, ok)
	assert.Equal(t, snap.Checksum, state.Checksum)

	require.True(t, guard.ClearBuffer(ctx, "doc"))
	require.True(t, c.LoadNote(ctx, "doc"))
	got, ok := guard.GetBuffer("doc")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, blockIDs(got))
	assert.Equal(t, StatusSuccess, lastOperation(t, c).Status)
}

func TestCoordinator_LoadWithoutSnapshotIsNewDocument(t *testing.T) {
	c, guard := newTestCoordinator(nil, CoordinatorOptions{})
	assert.True(t, c.LoadNote(context.Background(), "fresh"))
	assert.False(t, guard.HasBuffer("fresh"))
}

func TestCoordinator_SaveRejectsInvalidContent(t *testing.T) {
	rec := &countingRecorder{}
	c, guard := newTestCoordinator(nil, CoordinatorOptions{Recorder: rec})

	ok := c.SaveNote(context.Background(), "doc", []content.Block{
		{ID: "x", Type: "paragraph"},
		{ID: "x", Type: "paragraph"},
	})
	assert.False(t, ok)
	assert.Empty(t, c.Snapshots("doc"))
	assert.False(t, guard.HasBuffer("doc"))

	op := lastOperation(t, c)
	assert.Equal(t, StatusFailed, op.Status)
	assert.Contains(t, op.Error, "duplicate id")
	assert.Equal(t, 1, rec.failures)
}

func TestCoordinator_HistoryCappedAtTen(t *testing.T) {
	c, _ := newTestCoordinator(newFakeClock(), CoordinatorOptions{})
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		require.True(t, c.SaveNote(ctx, "doc", paragraphs("a")))
	}

	history := c.Snapshots("doc")
	require.Len(t, history, DefaultMaxSnapshots)
	assert.Equal(t, 3, history[0].Version)
	assert.Equal(t, 12, history[len(history)-1].Version)
	for i := 1; i < len(history); i++ {
		assert.Greater(t, history[i].Version, history[i-1].Version)
	}
}

func TestCoordinator_UpdateFailureRollsBackToPreviousSnapshot(t *testing.T) {
	writer := &toggleWriter{}
	c, guard := newTestCoordinator(newFakeClock(), CoordinatorOptions{Writer: writer})
	ctx := context.Background()

	require.True(t, c.SaveNote(ctx, "doc", paragraphs("v1")))
	require.True(t, c.SaveNote(ctx, "doc", paragraphs("v1", "v2")))

	writer.fail.Store(true)
	assert.False(t, c.UpdateNote(ctx, "doc", paragraphs("v1", "v2", "v3")))

	got, ok := guard.GetBuffer("doc")
	require.True(t, ok)
	assert.Equal(t, []string{"v1"}, blockIDs(got))
	assert.Len(t, c.Snapshots("doc"), 2)

	op := lastOperation(t, c)
	assert.Equal(t, OpUpdate, op.Type)
	assert.Equal(t, StatusRollback, op.Status)
	assert.Contains(t, op.Error, "disk full")
	assert.Equal(t, 1, c.Diagnostics().Rollbacks)
}

func TestCoordinator_RollbackSkippedWithSingleSnapshot(t *testing.T) {
	writer := &toggleWriter{}
	c, guard := newTestCoordinator(newFakeClock(), CoordinatorOptions{Writer: writer})
	ctx := context.Background()

	require.True(t, c.SaveNote(ctx, "doc", paragraphs("only")))
	writer.fail.Store(true)
	assert.False(t, c.SaveNote(ctx, "doc", paragraphs("only", "next")))

	got, ok := guard.GetBuffer("doc")
	require.True(t, ok)
	assert.Equal(t, []string{"only"}, blockIDs(got))
	assert.Equal(t, StatusRollback, lastOperation(t, c).Status)
}

func TestCoordinator_PanicCaughtAtOperationBoundary(t *testing.T) {
	writer := &toggleWriter{}
	c, _ := newTestCoordinator(nil, CoordinatorOptions{Writer: writer})
	writer.panic.Store(true)

	assert.NotPanics(t, func() {
		assert.False(t, c.SaveNote(context.Background(), "doc", paragraphs("a")))
	})
	op := lastOperation(t, c)
	assert.Equal(t, StatusRollback, op.Status)
	assert.Contains(t, op.Error, "panicked")
}

func TestCoordinator_UpdateReconcilesBufferWithoutSnapshot(t *testing.T) {
	c, guard := newTestCoordinator(newFakeClock(), CoordinatorOptions{})
	ctx := context.Background()

	require.True(t, guard.SetBuffer(ctx, "D", paragraphs("a")))
	require.True(t, c.UpdateNote(ctx, "D", paragraphs("a", "b")))

	latest, ok := c.LatestSnapshot("D")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, blockIDs(latest.Content))

	got, ok := guard.GetBuffer("D")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, blockIDs(got))
	assert.Equal(t, 1, c.Diagnostics().DriftDetected)
	assert.True(t, c.GetHealth().IsHealthy)
}

func TestCoordinator_UpdateOnFreshDocument(t *testing.T) {
	c, guard := newTestCoordinator(nil, CoordinatorOptions{})
	require.True(t, c.UpdateNote(context.Background(), "new", paragraphs("a")))
	assert.True(t, guard.HasBuffer("new"))
	assert.Len(t, c.Snapshots("new"), 1)
}

func TestCoordinator_ValidateSyncSnapshotWins(t *testing.T) {
	clock := newFakeClock()
	c, guard := newTestCoordinator(clock, CoordinatorOptions{})
	ctx := context.Background()

	require.True(t, c.SaveNote(ctx, "doc", paragraphs("a")))
	clock.Advance(500 * time.Millisecond)
	require.True(t, guard.SetBuffer(ctx, "doc", paragraphs("a", "stray")))

	require.True(t, c.ValidateSync(ctx, "doc"))
	got, ok := guard.GetBuffer("doc")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, blockIDs(got))
	assert.Len(t, c.Snapshots("doc"), 1)
}

func TestCoordinator_ValidateSyncBufferWins(t *testing.T) {
	clock := newFakeClock()
	c, guard := newTestCoordinator(clock, CoordinatorOptions{})
	ctx := context.Background()

	require.True(t, c.SaveNote(ctx, "doc", paragraphs("a")))
	clock.Advance(2 * time.Second)
	require.True(t, guard.SetBuffer(ctx, "doc", paragraphs("a", "typed")))

	require.True(t, c.ValidateSync(ctx, "doc"))
	latest, ok := c.LatestSnapshot("doc")
	require.True(t, ok)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, []string{"a", "typed"}, blockIDs(latest.Content))
}

func TestCoordinator_ValidateSyncInAgreement(t *testing.T) {
	c, _ := newTestCoordinator(nil, CoordinatorOptions{})
	ctx := context.Background()
	require.True(t, c.SaveNote(ctx, "doc", paragraphs("a")))
	assert.True(t, c.ValidateSync(ctx, "doc"))
	assert.Equal(t, 0, c.Diagnostics().DriftDetected)
}

func TestCoordinator_SwitchSnapshotsLeavingDocument(t *testing.T) {
	clock := newFakeClock()
	c, guard := newTestCoordinator(clock, CoordinatorOptions{})
	ctx := context.Background()

	require.True(t, c.SaveNote(ctx, "A", paragraphs("a")))
	require.True(t, c.SaveNote(ctx, "B", paragraphs("b")))
	clock.Advance(time.Second)
	require.True(t, guard.SetBuffer(ctx, "A", paragraphs("a", "unsaved")))

	require.True(t, c.SwitchNote(ctx, "A", "B"))

	latestA, ok := c.LatestSnapshot("A")
	require.True(t, ok)
	assert.Equal(t, 2, latestA.Version)
	assert.Equal(t, []string{"a", "unsaved"}, blockIDs(latestA.Content))

	got, ok := guard.GetBuffer("B")
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, blockIDs(got))

	// 离开的文档没有新改动时不重复生成快照
	require.True(t, c.SwitchNote(ctx, "B", "A"))
	assert.Len(t, c.Snapshots("B"), 1)
}

func TestCoordinator_SwitchFromNothing(t *testing.T) {
	c, guard := newTestCoordinator(nil, CoordinatorOptions{LockMode: LockPerDocument})
	ctx := context.Background()
	require.True(t, c.SaveNote(ctx, "B", paragraphs("b")))
	require.True(t, guard.ClearBuffer(ctx, "B"))

	require.True(t, c.SwitchNote(ctx, "", "B"))
	assert.True(t, guard.HasBuffer("B"))
	assert.Empty(t, c.lock.Current())
}

func TestCoordinator_LoadFallsBackToSource(t *testing.T) {
	stored := &Snapshot{DocumentID: "doc", Content: paragraphs("p"), Checksum: content.Checksum(paragraphs("p")), Version: 7}
	c, guard := newTestCoordinator(nil, CoordinatorOptions{Source: staticSource{snap: stored}})
	ctx := context.Background()

	require.True(t, c.LoadNote(ctx, "doc"))
	got, ok := guard.GetBuffer("doc")
	require.True(t, ok)
	assert.Equal(t, []string{"p"}, blockIDs(got))

	require.True(t, c.SaveNote(ctx, "doc", paragraphs("p", "q")))
	latest, _ := c.LatestSnapshot("doc")
	assert.Equal(t, 8, latest.Version)
}

func TestCoordinator_LoadSourceErrorFails(t *testing.T) {
	c, _ := newTestCoordinator(nil, CoordinatorOptions{Source: staticSource{err: errors.New("db down")}})
	assert.False(t, c.LoadNote(context.Background(), "doc"))
	assert.Contains(t, lastOperation(t, c).Error, "db down")
}

func TestCoordinator_PublishesSnapshotEvents(t *testing.T) {
	good := &captureSink{}
	bad := &captureSink{err: errors.New("queue full")}
	c, _ := newTestCoordinator(nil, CoordinatorOptions{Sinks: []SnapshotSink{bad, good}})

	require.True(t, c.SaveNote(context.Background(), "doc", paragraphs("a")))
	require.Len(t, good.events, 1)
	evt := good.events[0]
	assert.Equal(t, SnapshotEventType, evt.EventType)
	assert.Equal(t, "doc", evt.DocID)
	assert.Equal(t, 1, evt.Version)
	assert.Equal(t, string(OpSave), evt.Reason)
}

func TestCoordinator_RecorderSeesEveryOperation(t *testing.T) {
	rec := &countingRecorder{}
	c, _ := newTestCoordinator(nil, CoordinatorOptions{})
	c.SetRecorder(rec)
	ctx := context.Background()

	c.SaveNote(ctx, "doc", paragraphs("a"))
	c.LoadNote(ctx, "doc")
	c.SaveNote(ctx, "doc", nil)

	assert.Equal(t, 2, rec.successes)
	assert.Equal(t, 1, rec.failures)
}

func TestCoordinator_HealthFlagsStuckOperation(t *testing.T) {
	clock := newFakeClock()
	writer := &blockingWriter{entered: make(chan struct{}), unblock: make(chan struct{})}
	c, _ := newTestCoordinator(clock, CoordinatorOptions{Writer: writer})

	done := make(chan bool, 1)
	go func() { done <- c.SaveNote(context.Background(), "doc", paragraphs("a")) }()
	<-writer.entered

	assert.True(t, c.GetHealth().IsHealthy)
	require.Len(t, c.lock.Current(), 1)

	clock.Advance(31 * time.Second)
	h := c.GetHealth()
	assert.False(t, h.IsHealthy)
	require.Len(t, h.Issues, 1)
	assert.Contains(t, h.Issues[0], "pending")
	assert.Equal(t, 1, h.PendingOperations)
	assert.Empty(t, c.lock.Current(), "stuck operation's lock should be force released")

	close(writer.unblock)
	assert.True(t, <-done)
	assert.True(t, c.GetHealth().IsHealthy)
}

func TestCoordinator_HealthPrunesOldOperations(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCoordinator(clock, CoordinatorOptions{})
	require.True(t, c.LoadNote(context.Background(), "doc"))
	require.Len(t, c.Operations(), 1)

	clock.Advance(2 * time.Hour)
	c.GetHealth()
	assert.Empty(t, c.Operations())
}

func TestCoordinator_HealthReportsUnrecoveredCorruption(t *testing.T) {
	c, guard := newTestCoordinator(nil, CoordinatorOptions{})
	require.True(t, c.SaveNote(context.Background(), "doc", paragraphs("a")))

	guard.mu.Lock()
	guard.buffers["doc"].Blocks[0].ID = "x"
	delete(guard.backups, "doc")
	guard.mu.Unlock()
	guard.GetBuffer("doc")

	h := c.GetHealth()
	assert.False(t, h.IsHealthy)
	assert.True(t, h.CorruptionDetected)
}

func TestCoordinator_EmergencyResetCascades(t *testing.T) {
	c, guard := newTestCoordinator(nil, CoordinatorOptions{})
	ctx := context.Background()
	require.True(t, c.SaveNote(ctx, "doc", paragraphs("a")))

	c.EmergencyReset()

	d := c.Diagnostics()
	assert.Equal(t, 0, d.SnapshotCount)
	assert.Equal(t, 0, d.OperationCount)
	assert.Equal(t, 0, d.QueueLength)
	assert.False(t, guard.HasBuffer("doc"))
	assert.False(t, guard.Diagnostics().EditorReady)
	assert.True(t, d.Health.IsHealthy)
}

func TestCoordinator_ConcurrentOperationsKeepAgreement(t *testing.T) {
	c, guard := newTestCoordinator(nil, CoordinatorOptions{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.SaveNote(ctx, "doc", paragraphs("a", "b"))
		}()
		go func() {
			defer wg.Done()
			c.LoadNote(ctx, "doc")
		}()
	}
	wg.Wait()

	latest, ok := c.LatestSnapshot("doc")
	require.True(t, ok)
	state, ok := guard.State("doc")
	require.True(t, ok)
	assert.Equal(t, latest.Checksum, state.Checksum)
	assert.Equal(t, 0, c.QueueLength())
}

func TestCoordinator_RefusedWhenEditorNotReady(t *testing.T) {
	c, guard := newTestCoordinator(nil, CoordinatorOptions{})
	guard.SetEditorReady(false)

	assert.False(t, c.SaveNote(context.Background(), "doc", paragraphs("a")))
	assert.Empty(t, c.Snapshots("doc"))
	op := lastOperation(t, c)
	assert.Equal(t, StatusFailed, op.Status)
	assert.Contains(t, op.Error, ErrEditorNotReady.Error())
}

func TestCoordinator_SaveContinuesPersistedVersions(t *testing.T) {
	stored := &Snapshot{DocumentID: "doc", Content: paragraphs("p"), Checksum: content.Checksum(paragraphs("p")), Version: 4}
	c, _ := newTestCoordinator(nil, CoordinatorOptions{Source: staticSource{snap: stored}})

	require.True(t, c.SaveNote(context.Background(), "doc", paragraphs("p", "q")))
	history := c.Snapshots("doc")
	require.Len(t, history, 2)
	assert.Equal(t, 4, history[0].Version)
	assert.Equal(t, 5, history[1].Version)
}

func TestCoordinator_SecondSwitchQueuesBehindFirst(t *testing.T) {
	writer := &blockingWriter{entered: make(chan struct{}), unblock: make(chan struct{})}
	c, guard := newTestCoordinator(nil, CoordinatorOptions{Writer: writer})
	ctx := context.Background()
	require.True(t, guard.SetBuffer(ctx, "A", paragraphs("a")))

	first := make(chan bool, 1)
	go func() { first <- c.SwitchNote(ctx, "A", "B") }()
	<-writer.entered

	second := make(chan bool, 1)
	go func() { second <- c.SwitchNote(ctx, "B", "A") }()
	waitQueued(t, c.QueueLength, 1)

	cur := c.lock.Current()
	require.Len(t, cur, 1)
	assert.Equal(t, 1, cur[0].Holders)
	assert.Equal(t, string(OpSwitch), cur[0].Operation)

	close(writer.unblock)
	assert.True(t, <-first)
	assert.True(t, <-second)
	assert.Equal(t, 0, c.QueueLength())

	got, ok := guard.GetBuffer("A")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, blockIDs(got))
}

func TestCoordinator_ReadinessLostMidOperationDiscardsSnapshot(t *testing.T) {
	writer := &memWriter{}
	sink := &captureSink{}
	c, guard := newTestCoordinator(newFakeClock(), CoordinatorOptions{Writer: writer, Sinks: []SnapshotSink{sink}})
	ctx := context.Background()

	require.True(t, c.SaveNote(ctx, "doc", paragraphs("v1")))
	require.True(t, c.SaveNote(ctx, "doc", paragraphs("v1", "v2")))

	// v3 落盘之后编辑器进入加载状态，写缓冲区失败
	writer.setAfter(func(s Snapshot) {
		if s.Version == 3 {
			guard.SetEditorLoading(true)
		}
	})
	assert.False(t, c.UpdateNote(ctx, "doc", paragraphs("v1", "v2", "v3")))

	op := lastOperation(t, c)
	assert.Equal(t, StatusRollback, op.Status)
	assert.Contains(t, op.Error, ErrEditorNotReady.Error())

	history := c.Snapshots("doc")
	require.Len(t, history, 2)
	latest, ok := c.LatestSnapshot("doc")
	require.True(t, ok)
	assert.Equal(t, []string{"v1", "v2"}, blockIDs(latest.Content))

	state, ok := guard.State("doc")
	require.True(t, ok)
	assert.Equal(t, []string{"v1", "v2"}, blockIDs(state.Blocks))
	assert.Equal(t, latest.Checksum, state.Checksum)

	assert.Equal(t, []int{1, 2}, writer.stored())
	assert.Equal(t, []int{1, 2}, sink.versions())

	// 版本号不复用
	writer.setAfter(nil)
	guard.SetEditorLoading(false)
	require.True(t, c.SaveNote(ctx, "doc", paragraphs("v1", "v2", "v3")))
	latest, _ = c.LatestSnapshot("doc")
	assert.Equal(t, 4, latest.Version)
	assert.Equal(t, []int{1, 2, 4}, writer.stored())
}

func TestCoordinator_DiscardRestoresEvictedSnapshot(t *testing.T) {
	writer := &memWriter{}
	c, guard := newTestCoordinator(newFakeClock(), CoordinatorOptions{Writer: writer, MaxSnapshots: 2})
	ctx := context.Background()

	require.True(t, c.SaveNote(ctx, "doc", paragraphs("v1")))
	require.True(t, c.SaveNote(ctx, "doc", paragraphs("v1", "v2")))
	writer.setAfter(func(s Snapshot) {
		if s.Version == 3 {
			guard.SetEditorLoading(true)
		}
	})
	assert.False(t, c.SaveNote(ctx, "doc", paragraphs("v1", "v2", "v3")))

	history := c.Snapshots("doc")
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Version)
	assert.Equal(t, 2, history[1].Version)
}

func TestCoordinator_EventsPublishedAfterCommit(t *testing.T) {
	sink := &funcSink{}
	c, guard := newTestCoordinator(newFakeClock(), CoordinatorOptions{Sinks: []SnapshotSink{sink}})
	ctx := context.Background()

	require.True(t, c.SaveNote(ctx, "doc", paragraphs("v1")))
	require.True(t, c.SaveNote(ctx, "doc", paragraphs("v1", "v2")))

	// 下游在收到事件时改变编辑器状态，不影响已经完成的缓冲区写入
	sink.fn = func() { guard.SetEditorLoading(true) }
	require.True(t, c.UpdateNote(ctx, "doc", paragraphs("v1", "v2", "v3")))

	latest, ok := c.LatestSnapshot("doc")
	require.True(t, ok)
	assert.Equal(t, 3, latest.Version)
	state, ok := guard.State("doc")
	require.True(t, ok)
	assert.Equal(t, latest.Checksum, state.Checksum)
	assert.Equal(t, []int{1, 2, 3}, sink.versions())
	assert.Equal(t, StatusSuccess, lastOperation(t, c).Status)
}

func TestCoordinator_WarningOnlyContentSavedNormalized(t *testing.T) {
	logger, hook := test.NewNullLogger()
	guard := newReadyGuard(nil)
	c := NewCoordinator(guard, CoordinatorOptions{Logger: logger})

	input := []content.Block{
		{ID: "a", Type: "paragraph", Content: "not a list", Props: "not a map"},
		{ID: "b", Type: "paragraph", Content: []any{}},
	}
	require.True(t, c.SaveNote(context.Background(), "doc", input))

	snap, ok := c.LatestSnapshot("doc")
	require.True(t, ok)
	assert.Equal(t, []any{}, snap.Content[0].Content)
	assert.Nil(t, snap.Content[0].Props)
	assert.NotEqual(t, content.Checksum(input), snap.Checksum)
	assert.Equal(t, "not a map", input[0].Props, "caller's slice is left untouched")

	state, ok := guard.State("doc")
	require.True(t, ok)
	assert.Equal(t, snap.Checksum, state.Checksum)

	var normalized *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Data["action"] == "content_normalized" {
			normalized = e
		}
	}
	require.NotNil(t, normalized)
	assert.Len(t, normalized.Data["warnings"], 2)
}
