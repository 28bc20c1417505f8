package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/loanagent/internal/audit"
	"github.com/haasonsaas/loanagent/internal/storage"
)

type fakePruner struct {
	cutoffs []time.Time
	deleted int64
	err     error
}

func (p *fakePruner) PruneLogs(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoffs = append(p.cutoffs, cutoff)
	return p.deleted, p.err
}

func TestNewRetentionValidation(t *testing.T) {
	tests := []struct {
		name     string
		schedule string
		maxAge   time.Duration
		pruner   LogPruner
	}{
		{"bad schedule", "every tuesday", time.Hour, &fakePruner{}},
		{"zero age", "@daily", 0, &fakePruner{}},
		{"no pruner", "@daily", time.Hour, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRetention(tt.schedule, tt.maxAge, tt.pruner, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCronParserAcceptsSecondsAndDescriptors(t *testing.T) {
	for _, spec := range []string{"@daily", "0 3 * * *", "30 0 3 * * *", "@every 6h"} {
		if _, err := CronParser.Parse(spec); err != nil {
			t.Errorf("Parse(%q) error = %v", spec, err)
		}
	}
}

func TestRetentionRunOnceUsesCutoff(t *testing.T) {
	pruner := &fakePruner{deleted: 7}
	r, err := NewRetention("@daily", 30*24*time.Hour, pruner, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	n, err := r.RunOnce(context.Background())
	if err != nil || n != 7 {
		t.Fatalf("RunOnce() = %d, %v", n, err)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if len(pruner.cutoffs) != 1 || !pruner.cutoffs[0].Equal(want) {
		t.Errorf("cutoffs = %v, want %v", pruner.cutoffs, want)
	}

	pruner.err = errors.New("database is locked")
	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Error("expected prune error")
	}
}

func TestRetentionPrunesStore(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	for _, at := range []time.Time{old, time.Now()} {
		if err := store.WriteAttempt(ctx, &audit.Attempt{
			ConversationKey: "chat-1",
			OwnerID:         "owner",
			UserMessage:     "status of loan 1188001",
			Success:         true,
			Timestamp:       at,
		}); err != nil {
			t.Fatal(err)
		}
	}

	r, err := NewRetention("@daily", 24*time.Hour, store, nil)
	if err != nil {
		t.Fatal(err)
	}
	n, err := r.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RunOnce() = %d, %v", n, err)
	}
	logs, err := store.RecentLogs(ctx, storage.LogQuery{})
	if err != nil || len(logs) != 1 {
		t.Fatalf("logs = %d, %v", len(logs), err)
	}
}

func TestRetentionStartStop(t *testing.T) {
	r, err := NewRetention("@every 1h", time.Hour, &fakePruner{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
