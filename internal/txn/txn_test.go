package txn

import (
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"
)

func TestCloseRunsCallbacksInCategoryOrder(t *testing.T) {
	tr := New("commit", zerolog.Nop())
	var order []string
	tr.AddFinalize("b", func(Transaction) error { order = append(order, "finalize-b"); return nil })
	tr.AddFinalize("a", func(Transaction) error { order = append(order, "finalize-a"); return nil })
	tr.AddPostClose("z", func(Transaction) { order = append(order, "post-z") })
	tr.AddAbort("x", func(Transaction) { order = append(order, "abort") })
	tr.AddFinalize("a", func(Transaction) error { order = append(order, "finalize-a2"); return nil })

	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	want := []string{"finalize-a2", "finalize-b", "post-z"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if err := tr.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v", err)
	}
}

func TestFailingFinalizerAborts(t *testing.T) {
	tr := New("commit", zerolog.Nop())
	aborted := false
	tr.AddFinalize("a", func(Transaction) error { return errors.New("disk full") })
	tr.AddAbort("revlog", func(Transaction) { aborted = true })
	if err := tr.Close(); err == nil {
		t.Fatal("expected finalize error")
	}
	if !aborted {
		t.Error("abort callbacks did not run")
	}
}

func TestLockAfterRelease(t *testing.T) {
	l := NewLock("wlock")
	if err := l.TryAcquire(); err != nil {
		t.Fatal(err)
	}
	if err := l.TryAcquire(); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second acquire = %v", err)
	}
	var got []bool
	l.AfterRelease(func(ok bool) { got = append(got, ok) })
	if len(got) != 0 {
		t.Fatal("callback ran before release")
	}
	if err := l.Release(true); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []bool{true}) || l.Held() {
		t.Errorf("after release: got=%v held=%v", got, l.Held())
	}
	l.AfterRelease(func(ok bool) { got = append(got, ok) })
	if len(got) != 2 {
		t.Error("callback on free lock should run immediately")
	}
	if err := l.Release(true); !errors.Is(err, ErrNotLocked) {
		t.Errorf("release of free lock = %v", err)
	}
}
