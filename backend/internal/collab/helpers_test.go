package collab

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"docguard/backend/internal/content"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func paragraphs(ids ...string) []content.Block {
	out := make([]content.Block, 0, len(ids))
	for _, id := range ids {
		out = append(out, content.Block{ID: id, Type: "paragraph", Content: []any{}})
	}
	return out
}

func blockIDs(blocks []content.Block) []string {
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, b.ID)
	}
	return out
}

func waitQueued(t *testing.T, queueLength func() int, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return queueLength() == n }, 2*time.Second, time.Millisecond)
}
