package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestQueryOperation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tag  string
		sql  string
		want string
	}{
		{"from tag", "SELECT 3", "select id from incidents", "SELECT"},
		{"from tag insert", "INSERT 0 1", "", "INSERT"},
		{"tag empty falls back to sql", "", "update incidents set status = $1", "UPDATE"},
		{"sql with leading whitespace", "", "  DELETE FROM webhook_deliveries", "DELETE"},
		{"nothing known", "", "", "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := queryOperation(pgconn.NewCommandTag(tt.tag), tt.sql)
			if got != tt.want {
				t.Errorf("queryOperation(%q, %q) = %q, want %q", tt.tag, tt.sql, got, tt.want)
			}
		})
	}
}

func TestSetQueryObserver(t *testing.T) {
	// Save and restore the global to avoid test pollution.
	defer SetQueryObserver(nil)

	called := false
	obs := QueryObserverFunc(func(_ context.Context, operation, outcome string, _ time.Duration) {
		called = true
		if operation != "SELECT" || outcome != "ok" {
			t.Errorf("observed %s/%s, want SELECT/ok", operation, outcome)
		}
	})

	SetQueryObserver(obs)
	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), "SELECT", "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	if got := getQueryObserver(); got != nil {
		t.Errorf("expected nil observer after Set(nil), got %v", got)
	}
}

func TestLoggingTracer_ObservesQueries(t *testing.T) {
	defer SetQueryObserver(nil)

	type observed struct {
		operation string
		outcome   string
		dur       time.Duration
	}
	var got []observed
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, operation, outcome string, dur time.Duration) {
		got = append(got, observed{operation, outcome, dur})
	}))

	tr := wrapQueryTracer(nil)

	ctx := tr.(loggingTracer).TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{
		SQL: "SELECT id FROM incidents",
	})
	time.Sleep(time.Millisecond)
	tr.(loggingTracer).TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{
		CommandTag: pgconn.NewCommandTag("SELECT 1"),
	})

	ctx = tr.(loggingTracer).TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{
		SQL: "INSERT INTO incidents VALUES ($1)",
	})
	time.Sleep(time.Millisecond)
	tr.(loggingTracer).TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{
		Err: errors.New("unique violation"),
	})

	if len(got) != 2 {
		t.Fatalf("observed %d queries, want 2", len(got))
	}
	if got[0].operation != "SELECT" || got[0].outcome != "ok" {
		t.Errorf("first observation = %+v", got[0])
	}
	if got[0].dur <= 0 {
		t.Errorf("first duration = %v, want > 0", got[0].dur)
	}
	if got[1].operation != "INSERT" || got[1].outcome != "error" {
		t.Errorf("second observation = %+v", got[1])
	}
}

func TestLoggingTracer_NoObserver(t *testing.T) {
	// Ends without a registered observer must not panic.
	tr := wrapQueryTracer(nil)
	ctx := tr.(loggingTracer).TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.(loggingTracer).TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{})
}
