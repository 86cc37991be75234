package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/reagentlabs/reagent"
)

func newStore(t *testing.T) *Session {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "state.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var out reagent.Msg
	found, err := s.Get(ctx, "k", "msg", &out)
	if err != nil || found {
		t.Fatalf("empty get: found=%v err=%v", found, err)
	}

	msg := reagent.NewUserMsg("u", "stored")
	if err := s.Put(ctx, "k", "msg", msg); err != nil {
		t.Fatal(err)
	}
	found, err = s.Get(ctx, "k", "msg", &out)
	if err != nil {
		t.Fatal(err)
	}
	if !found || out.Text() != "stored" || out.ID != msg.ID {
		t.Errorf("round trip: found=%v msg=%+v", found, out)
	}

	// Upsert replaces the stored value.
	if err := s.Put(ctx, "k", "msg", reagent.NewUserMsg("u", "replaced")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "k", "msg", &out); err != nil {
		t.Fatal(err)
	}
	if out.Text() != "replaced" {
		t.Errorf("value = %q", out.Text())
	}
}

func TestListAppend(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	list, err := s.GetList(ctx, "k", "log")
	if err != nil || len(list) != 0 {
		t.Fatalf("absent list: %v %v", list, err)
	}
	if err := s.AppendList(ctx, "k", "log", "a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendList(ctx, "k", "log", "c"); err != nil {
		t.Fatal(err)
	}
	list, err = s.GetList(ctx, "k", "log")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || string(list[2]) != `"c"` {
		t.Errorf("list = %v", list)
	}
	// Appending nothing is a no-op.
	if err := s.AppendList(ctx, "k", "log"); err != nil {
		t.Fatal(err)
	}
}

func TestExistsAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	if err := s.Put(ctx, "k", "a", 1); err != nil {
		t.Fatal(err)
	}

	ok, err := s.Exists(ctx, "k", "a")
	if err != nil || !ok {
		t.Errorf("exists: %v %v", ok, err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	ok, err = s.Exists(ctx, "k", "a")
	if err != nil || ok {
		t.Errorf("field survived delete: %v %v", ok, err)
	}
}

func TestConcurrentAppendsSerialize(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.AppendList(ctx, "k", "log", "x"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	list, err := s.GetList(ctx, "k", "log")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 10 {
		t.Errorf("list len = %d, want 10", len(list))
	}
}

func TestInitIdempotent(t *testing.T) {
	s := newStore(t)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
}
