package trainer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/parcel-chat/internal/domain"
	"github.com/ashureev/parcel-chat/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recordingSink struct {
	mu    sync.Mutex
	recs  []domain.TrainerRecord
	keys  []string
	block chan struct{}
	err   error
}

func (s *recordingSink) AppendTrainerRecord(_ context.Context, _, ruleKey string, rec domain.TrainerRecord) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.recs = append(s.recs, rec)
	s.keys = append(s.keys, ruleKey)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func TestAppendIsPersistedAndDrainedOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &recordingSink{}
	l := New(sink, Config{Enabled: true, QueueSize: 8}, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(context.Background(), "c1", "main", domain.TrainerRecord{UserMessage: "track", BotResponse: "ok"}))
	}
	require.NoError(t, l.Close())

	assert.Equal(t, 5, sink.count())
	assert.Equal(t, []string{"main", "main", "main", "main", "main"}, sink.keys)
	assert.False(t, sink.recs[0].Timestamp.IsZero(), "timestamp should be stamped on append")
	assert.Equal(t, int64(5), l.Stats().Written)
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &recordingSink{block: make(chan struct{})}
	l := New(sink, Config{Enabled: true, QueueSize: 1}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = l.Append(context.Background(), "c1", "main", domain.TrainerRecord{UserMessage: "x"})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Append blocked on a full queue")
	}

	assert.Positive(t, l.Stats().Dropped)
	close(sink.block)
	require.NoError(t, l.Close())
}

func TestSinkErrorsAreSwallowed(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &recordingSink{err: errors.New("disk full")}
	l := New(sink, Config{Enabled: true, QueueSize: 4}, nil)
	assert.NoError(t, l.Append(context.Background(), "c1", "main", domain.TrainerRecord{UserMessage: "x"}))
	require.NoError(t, l.Close())
	assert.Equal(t, int64(1), l.Stats().Failed)
}

func TestDisabledAndClosedLoggerDiscard(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &recordingSink{}
	disabled := New(sink, Config{Enabled: false}, nil)
	require.NoError(t, disabled.Append(context.Background(), "c1", "main", domain.TrainerRecord{}))
	require.NoError(t, disabled.Close())

	l := New(sink, Config{Enabled: true}, nil)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	require.NoError(t, l.Append(context.Background(), "c1", "main", domain.TrainerRecord{}))
	assert.Zero(t, sink.count())
}

func TestWritesToSQLiteStore(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "trainer.db"))
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()

	l := New(repo, DefaultConfig(), nil)
	require.NoError(t, l.Append(context.Background(), "c1", "trackSub", domain.TrainerRecord{UserMessage: "late", BotResponse: "sorry"}))
	require.NoError(t, l.Close())

	recs, err := repo.TrainerRecords(context.Background(), "trackSub")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "late", recs[0].UserMessage)
}
