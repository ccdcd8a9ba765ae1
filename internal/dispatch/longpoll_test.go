package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meridianchat/botcore/internal/apperr"
	"github.com/meridianchat/botcore/internal/config"
	"github.com/meridianchat/botcore/internal/database"
	"github.com/meridianchat/botcore/internal/dispatch"
)

type claimCall struct {
	botID   int64
	limit   int
	sinceID int64
}

// fakeStore returns one queued batch per ClaimUnprocessed call and records
// the call arguments.
type fakeStore struct {
	mu      sync.Mutex
	batches [][]database.Update
	calls   []claimCall
	err     error
}

func (f *fakeStore) ClaimUnprocessed(_ context.Context, botID int64, _ string, limit int, sinceID int64) ([]database.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, claimCall{botID: botID, limit: limit, sinceID: sinceID})
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testConfig() config.LongPollConfig {
	return config.LongPollConfig{
		MaxLimit:     100,
		MaxTimeout:   30 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}
}

func testBot() *database.Bot {
	return &database.Bot{ID: 1, Username: "poll_bot", Status: database.BotStatusActive}
}

func TestPollValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		bot     *database.Bot
		offset  int64
		limit   int
		timeout time.Duration
		check   func(t *testing.T, err error)
	}{
		{
			name: "nil bot is unauthorized",
			bot:  nil,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, apperr.ErrUnauthorized) {
					t.Errorf("Poll() error = %v, want ErrUnauthorized", err)
				}
			},
		},
		{
			name:   "negative offset",
			bot:    testBot(),
			offset: -1,
			check: func(t *testing.T, err error) {
				if _, ok := apperr.AsValidation(err); !ok {
					t.Errorf("Poll() error = %v, want validation error", err)
				}
			},
		},
		{
			name:  "negative limit",
			bot:   testBot(),
			limit: -5,
			check: func(t *testing.T, err error) {
				if _, ok := apperr.AsValidation(err); !ok {
					t.Errorf("Poll() error = %v, want validation error", err)
				}
			},
		},
		{
			name:    "negative timeout",
			bot:     testBot(),
			timeout: -time.Second,
			check: func(t *testing.T, err error) {
				if _, ok := apperr.AsValidation(err); !ok {
					t.Errorf("Poll() error = %v, want validation error", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := dispatch.NewDispatcher(&fakeStore{}, nil, nil, testConfig())
			_, err := d.Poll(context.Background(), tt.bot, tt.offset, tt.limit, tt.timeout)
			tt.check(t, err)
		})
	}
}

func TestPollReturnsPendingImmediately(t *testing.T) {
	t.Parallel()

	store := &fakeStore{batches: [][]database.Update{{
		{ID: 10, BotID: 1, Kind: database.KindMessage, Text: "hello"},
		{ID: 11, BotID: 1, Kind: database.KindMessage, Text: "again"},
	}}}
	d := dispatch.NewDispatcher(store, nil, nil, testConfig())

	envs, err := d.Poll(context.Background(), testBot(), 0, 10, 30*time.Second)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("Poll() returned %d envelopes, want 2", len(envs))
	}
	if envs[0].UpdateID != 10 || envs[1].UpdateID != 11 {
		t.Errorf("Poll() ids = (%d, %d), want (10, 11)", envs[0].UpdateID, envs[1].UpdateID)
	}
	if store.callCount() != 1 {
		t.Errorf("store called %d times, want 1", store.callCount())
	}
}

func TestPollZeroTimeoutReturnsEmpty(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	d := dispatch.NewDispatcher(store, nil, nil, testConfig())

	envs, err := d.Poll(context.Background(), testBot(), 0, 10, 0)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(envs) != 0 {
		t.Errorf("Poll() returned %d envelopes, want 0", len(envs))
	}
	if store.callCount() != 1 {
		t.Errorf("store called %d times, want 1 (no wait loop)", store.callCount())
	}
}

func TestPollWaitsForUpdates(t *testing.T) {
	t.Parallel()

	// Two empty results before an update shows up mid-wait.
	store := &fakeStore{batches: [][]database.Update{
		nil,
		nil,
		{{ID: 42, BotID: 1, Kind: database.KindMessage, Text: "finally"}},
	}}
	d := dispatch.NewDispatcher(store, nil, nil, testConfig())

	envs, err := d.Poll(context.Background(), testBot(), 0, 10, time.Second)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(envs) != 1 || envs[0].UpdateID != 42 {
		t.Fatalf("Poll() = %v, want the single update 42", envs)
	}
	if store.callCount() < 3 {
		t.Errorf("store called %d times, want at least 3", store.callCount())
	}
}

func TestPollDeadlineReturnsEmpty(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	d := dispatch.NewDispatcher(store, nil, nil, testConfig())

	start := time.Now()
	envs, err := d.Poll(context.Background(), testBot(), 0, 10, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(envs) != 0 {
		t.Errorf("Poll() returned %d envelopes, want 0", len(envs))
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Poll() returned after %v, want at least the 30ms deadline", elapsed)
	}
}

func TestPollCancelledContextReturnsEmpty(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	store := &fakeStore{}
	d := dispatch.NewDispatcher(store, nil, nil, testConfig())

	done := make(chan struct{})
	var envs int
	var pollErr error
	go func() {
		defer close(done)
		got, err := d.Poll(ctx, testBot(), 0, 10, 30*time.Second)
		envs, pollErr = len(got), err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Poll() did not return after context cancellation")
	}
	if pollErr != nil {
		t.Fatalf("Poll() error = %v, want nil on cancellation", pollErr)
	}
	if envs != 0 {
		t.Errorf("Poll() returned %d envelopes, want 0", envs)
	}
}

func TestPollClampsLimitAndOffset(t *testing.T) {
	t.Parallel()

	store := &fakeStore{batches: [][]database.Update{{{ID: 7, BotID: 1, Kind: database.KindMessage}}}}
	d := dispatch.NewDispatcher(store, nil, nil, testConfig())

	if _, err := d.Poll(context.Background(), testBot(), 5, 500, 0); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	store.mu.Lock()
	call := store.calls[0]
	store.mu.Unlock()

	if call.limit != 100 {
		t.Errorf("claim limit = %d, want clamped to 100", call.limit)
	}
	if call.sinceID != 5 {
		t.Errorf("claim sinceID = %d, want 5", call.sinceID)
	}
	if call.botID != 1 {
		t.Errorf("claim botID = %d, want 1", call.botID)
	}
}

func TestPollStoreErrorSurfaces(t *testing.T) {
	t.Parallel()

	store := &fakeStore{err: errors.New("disk is gone")}
	d := dispatch.NewDispatcher(store, nil, nil, testConfig())

	if _, err := d.Poll(context.Background(), testBot(), 0, 10, 0); err == nil {
		t.Fatal("Poll() error = nil, want store error surfaced")
	}
}
