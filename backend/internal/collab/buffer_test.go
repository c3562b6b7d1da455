package collab

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docguard/backend/internal/content"
)

func newReadyGuard(clock *fakeClock) *BufferGuard {
	opt := BufferGuardOptions{Logger: quietLogger()}
	if clock != nil {
		opt.Now = clock.Now
	}
	g := NewBufferGuard(opt)
	g.SetEditorReady(true)
	return g
}

func TestBufferGuard_RefusesWhenNotReady(t *testing.T) {
	g := NewBufferGuard(BufferGuardOptions{Logger: quietLogger()})
	ctx := context.Background()

	assert.False(t, g.SetBuffer(ctx, "doc", paragraphs("a")))

	g.SetEditorReady(true)
	g.SetEditorLoading(true)
	assert.False(t, g.SetBuffer(ctx, "doc", paragraphs("a")))
	assert.False(t, g.HasBuffer("doc"))

	g.SetEditorLoading(false)
	assert.True(t, g.SetBuffer(ctx, "doc", paragraphs("a")))
	assert.Equal(t, 2, g.Diagnostics().RejectedWrites)
}

func TestBufferGuard_RoundTripDefensiveCopy(t *testing.T) {
	g := newReadyGuard(nil)
	ctx := context.Background()

	in := paragraphs("a", "b")
	require.True(t, g.SetBuffer(ctx, "doc", in))
	in[0].ID = "changed-after-write"

	got, ok := g.GetBuffer("doc")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, blockIDs(got))

	got[1].ID = "changed-after-read"
	again, ok := g.GetBuffer("doc")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, blockIDs(again))
	assert.True(t, g.ValidateBufferLength("doc", 2))
	assert.False(t, g.ValidateBufferLength("doc", 3))
}

func TestBufferGuard_RejectsNonSequence(t *testing.T) {
	g := newReadyGuard(nil)
	assert.False(t, g.SetBuffer(context.Background(), "doc", nil))
	assert.False(t, g.HasBuffer("doc"))

	// 空序列是合法内容
	assert.True(t, g.SetBuffer(context.Background(), "doc", []content.Block{}))
	got, ok := g.GetBuffer("doc")
	require.True(t, ok)
	assert.Empty(t, got)
}

func TestBufferGuard_SanitizesOnWrite(t *testing.T) {
	g := newReadyGuard(nil)
	require.True(t, g.SetBuffer(context.Background(), "doc", []content.Block{
		{ID: "x", Type: "paragraph"},
		{ID: "x", Type: ""},
	}))

	got, ok := g.GetBuffer("doc")
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.NotEqual(t, got[0].ID, got[1].ID)
	assert.Equal(t, content.FallbackType, got[1].Type)
	assert.True(t, content.NewValidator().ValidateContent(got).IsValid)
}

func TestBufferGuard_CorruptionRestoresFromBackup(t *testing.T) {
	g := newReadyGuard(nil)
	require.True(t, g.SetBuffer(context.Background(), "doc", paragraphs("a", "b")))

	g.mu.Lock()
	g.buffers["doc"].Blocks[0].ID = "tampered"
	g.mu.Unlock()

	_, ok := g.GetBuffer("doc")
	assert.False(t, ok, "corrupted read must not be returned")

	got, ok := g.GetBuffer("doc")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, blockIDs(got))

	d := g.Diagnostics()
	assert.Equal(t, 1, d.CorruptionsFound)
	assert.Equal(t, 1, d.Recoveries)
	assert.False(t, g.UnrecoveredCorruption())
}

func TestBufferGuard_CorruptionWithoutBackupDropsBuffer(t *testing.T) {
	g := newReadyGuard(nil)
	require.True(t, g.SetBuffer(context.Background(), "doc", paragraphs("a")))

	g.mu.Lock()
	g.buffers["doc"].Blocks[0].Type = "heading"
	delete(g.backups, "doc")
	g.mu.Unlock()

	assert.False(t, g.HasBuffer("doc"))
	_, ok := g.GetBuffer("doc")
	assert.False(t, ok)
	assert.True(t, g.UnrecoveredCorruption())
	_, exists := g.State("doc")
	assert.False(t, exists)
}

func TestBufferGuard_ConcurrentWritesSerialize(t *testing.T) {
	g := newReadyGuard(nil)
	ctx := context.Background()
	const writers = 20

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.True(t, g.SetBuffer(ctx, "doc", paragraphs(fmt.Sprintf("b%d", i))))
		}(i)
	}
	wg.Wait()

	state, ok := g.State("doc")
	require.True(t, ok)
	assert.Equal(t, writers, state.Version)
	assert.Equal(t, content.Checksum(state.Blocks), state.Checksum)
	assert.Equal(t, writers, g.Diagnostics().Writes)
}

func TestBufferGuard_WaitsForOtherOperation(t *testing.T) {
	g := newReadyGuard(nil)
	ctx := context.Background()

	release, err := g.lock.Acquire(ctx, opClearBuffer, "doc")
	require.NoError(t, err)

	done := make(chan bool, 1)
	go func() { done <- g.SetBuffer(ctx, "doc", paragraphs("a")) }()
	waitQueued(t, g.QueueLength, 1)
	assert.False(t, g.HasBuffer("doc"))

	release()
	assert.True(t, <-done)
	assert.True(t, g.HasBuffer("doc"))
}

func TestBufferGuard_CancelWhileQueued(t *testing.T) {
	g := newReadyGuard(nil)
	release, err := g.lock.Acquire(context.Background(), opClearBuffer, "doc")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, g.SetBuffer(ctx, "doc", paragraphs("a")))
	assert.Equal(t, 0, g.QueueLength())
}

func TestBufferGuard_ClearBuffer(t *testing.T) {
	g := newReadyGuard(nil)
	ctx := context.Background()
	require.True(t, g.SetBuffer(ctx, "doc", paragraphs("a")))
	require.True(t, g.ClearBuffer(ctx, "doc"))
	assert.False(t, g.HasBuffer("doc"))
	assert.False(t, g.ValidateBuffer("doc"))
}

func TestBufferGuard_EmergencyReset(t *testing.T) {
	g := newReadyGuard(nil)
	ctx := context.Background()
	require.True(t, g.SetBuffer(ctx, "doc", paragraphs("a")))

	g.EmergencyReset()

	assert.False(t, g.HasBuffer("doc"))
	d := g.Diagnostics()
	assert.Equal(t, 0, d.BufferCount)
	assert.Equal(t, 0, d.BackupCount)
	assert.False(t, d.EditorReady)
	assert.Equal(t, 0, d.QueueLength)
	assert.False(t, g.SetBuffer(ctx, "doc", paragraphs("a")), "editor must report ready again")
}
