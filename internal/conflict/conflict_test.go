package conflict

import (
	"testing"
	"time"
)

func TestResolve_NoBaselineSameHash(t *testing.T) {
	local := Snapshot{Hash: "abc"}
	remote := Snapshot{Hash: "abc"}
	if got := Resolve(Snapshot{}, local, remote); got != NoOp {
		t.Errorf("Resolve = %v, want %v", got, NoOp)
	}
}

func TestResolve_NoBaselineDifferentHash(t *testing.T) {
	local := Snapshot{Hash: "abc"}
	remote := Snapshot{Hash: "def"}
	if got := Resolve(Snapshot{}, local, remote); got != KeepBoth {
		t.Errorf("Resolve = %v, want %v", got, KeepBoth)
	}
}

func TestResolve_BothUnchanged(t *testing.T) {
	base := Snapshot{Hash: "abc"}
	if got := Resolve(base, base, base); got != NoOp {
		t.Errorf("Resolve = %v, want %v", got, NoOp)
	}
}

func TestResolve_OnlyRemoteChanged(t *testing.T) {
	base := Snapshot{Hash: "abc"}
	local := Snapshot{Hash: "abc"}
	remote := Snapshot{Hash: "xyz"}
	if got := Resolve(base, local, remote); got != TakeRemote {
		t.Errorf("Resolve = %v, want %v", got, TakeRemote)
	}
}

func TestResolve_OnlyLocalChanged(t *testing.T) {
	base := Snapshot{Hash: "abc"}
	local := Snapshot{Hash: "xyz"}
	remote := Snapshot{Hash: "abc"}
	if got := Resolve(base, local, remote); got != PushLocal {
		t.Errorf("Resolve = %v, want %v", got, PushLocal)
	}
}

func TestResolve_BothChangedSameResult(t *testing.T) {
	base := Snapshot{Hash: "abc"}
	local := Snapshot{Hash: "xyz"}
	remote := Snapshot{Hash: "xyz"}
	if got := Resolve(base, local, remote); got != NoOp {
		t.Errorf("Resolve = %v, want %v", got, NoOp)
	}
}

func TestResolve_BothChangedDivergently(t *testing.T) {
	base := Snapshot{Hash: "abc"}
	local := Snapshot{Hash: "local-edit"}
	remote := Snapshot{Hash: "remote-edit"}
	if got := Resolve(base, local, remote); got != KeepBoth {
		t.Errorf("Resolve = %v, want %v", got, KeepBoth)
	}
}

func TestDecision_String(t *testing.T) {
	tests := []struct {
		d    Decision
		want string
	}{
		{NoOp, "no_op"},
		{TakeRemote, "take_remote"},
		{PushLocal, "push_local"},
		{KeepBoth, "keep_both"},
		{Decision(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.d.String(); got != tt.want {
			t.Errorf("Decision(%d).String() = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestConflictPath_WithExtension(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	got := ConflictPath("/docs/report.txt", at)
	want := "/docs/report (conflict 2026-03-01 12:30:00).txt"
	if got != want {
		t.Errorf("ConflictPath = %q, want %q", got, want)
	}
}

func TestConflictPath_NoExtension(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	got := ConflictPath("/docs/README", at)
	want := "/docs/README (conflict 2026-03-01 12:30:00)"
	if got != want {
		t.Errorf("ConflictPath = %q, want %q", got, want)
	}
}

func TestConflictPath_NestedDir(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := ConflictPath("/a/b/c/file.tar.gz", at)
	want := "/a/b/c/file.tar (conflict 2026-01-01 00:00:00).gz"
	if got != want {
		t.Errorf("ConflictPath = %q, want %q", got, want)
	}
}
