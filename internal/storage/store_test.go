package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "stagehand/pkg/logx"
)

func openDriver(t *testing.T, driver string) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runs."+driver)
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openDriver(t, driver)
			ctx := context.Background()
			base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

			for i := 0; i < 5; i++ {
				r := RunRecord{
					ID:       fmt.Sprintf("run-%d", i),
					Kind:     KindTrigger,
					Name:     "top-ranking-issues",
					Cause:    CauseSchedule,
					Started:  base.Add(time.Duration(i) * 12 * time.Hour),
					Duration: 1500 * time.Millisecond,
				}
				if i == 3 {
					r.ExitCode = 2
					r.Error = "exit status 2"
				}
				if err := st.AppendRun(ctx, r); err != nil {
					t.Fatalf("AppendRun: %v", err)
				}
			}
			if err := st.AppendRun(ctx, RunRecord{ID: "b-1", Kind: KindBuild, Name: "collab", Started: base, Digest: "sha256:abc"}); err != nil {
				t.Fatalf("AppendRun(build): %v", err)
			}

			got, err := st.ListRuns(ctx, RunFilter{Kind: KindTrigger, Limit: 3})
			if err != nil {
				t.Fatalf("ListRuns: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("len = %d, want 3", len(got))
			}
			for i, want := range []string{"run-4", "run-3", "run-2"} {
				if got[i].ID != want {
					t.Fatalf("got[%d].ID = %q, want %q", i, got[i].ID, want)
				}
			}
			if got[1].OK() || got[1].ExitCode != 2 {
				t.Fatalf("failed run not preserved: %+v", got[1])
			}
			if !got[0].Started.Equal(base.Add(48*time.Hour)) || got[0].Duration != 1500*time.Millisecond {
				t.Fatalf("times not preserved: %+v", got[0])
			}

			builds, err := st.ListRuns(ctx, RunFilter{Name: "collab"})
			if err != nil {
				t.Fatalf("ListRuns(build): %v", err)
			}
			if len(builds) != 1 || builds[0].Digest != "sha256:abc" {
				t.Fatalf("builds = %+v", builds)
			}
		})
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Logger{})
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected missing path error")
	}
}

func TestFileStoreSkipsTornLine(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "runs.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.AppendRun(ctx, RunRecord{ID: "a", Kind: KindTrigger, Name: "x"}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"id":"torn","ki` + "\n")
	_ = f.Close()
	if err := st.AppendRun(ctx, RunRecord{ID: "b", Kind: KindTrigger, Name: "x"}); err != nil {
		t.Fatal(err)
	}

	got, err := st.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("got %+v", got)
	}
}

func TestFileStoreClosed(t *testing.T) {
	t.Parallel()
	st := openDriver(t, "file")
	_ = st.Close()
	if err := st.AppendRun(context.Background(), RunRecord{ID: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("AppendRun after Close = %v, want ErrClosed", err)
	}
}
