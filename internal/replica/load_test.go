package replica

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/yukiapp/yuki/internal/remote"
)

// TestConcurrentWritesDuringSync runs writers against one device while it
// syncs repeatedly, then checks that a second device ends up with every row
// and that no write was marked synced without reaching the remote.
func TestConcurrentWritesDuringSync(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	const (
		writers         = 8
		writesPerWriter = 25
	)

	store := remote.NewMemStore()
	clock := newClock()
	a := newDevice(t, "dev-a", store, clock)
	b := newDevice(t, "dev-b", store, clock)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < writesPerWriter; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				if _, err := a.gw.PerformTrackedWrite(ctx, insertAnime(id), insertMutation(id)); err != nil {
					errs <- fmt.Errorf("writer %d: %w", w, err)
					return
				}
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	cycles := 0
loop:
	for {
		select {
		case <-done:
			break loop
		default:
		}
		if _, err := a.engine.SynchronizeChanges(ctx); err != nil {
			t.Fatalf("sync during writes failed: %v", err)
		}
		cycles++
		time.Sleep(5 * time.Millisecond)
	}
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	a.sync(t)
	if n := unsynced(t, a); n != 0 {
		t.Fatalf("unsynced after final push = %d", n)
	}

	total := writers * writesPerWriter
	if got := len(store.List(ChangesDir)); got != total {
		t.Errorf("remote has %d change files, want %d", got, total)
	}

	res := b.sync(t)
	if res.Applied != total {
		t.Errorf("b applied %d, want %d", res.Applied, total)
	}

	var rows int
	if err := b.db.RawDB().QueryRow(`SELECT COUNT(*) FROM anime_list`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != total {
		t.Errorf("b has %d rows, want %d", rows, total)
	}
	t.Logf("%d writes converged over %d concurrent sync cycles", total, cycles)
}

func BenchmarkTrackedWrite(b *testing.B) {
	d := newDevice(b, "dev-a", nil, newClock())
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := fmt.Sprintf("a%d", i)
		if _, err := d.gw.PerformTrackedWrite(ctx, insertAnime(id), insertMutation(id)); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkPushPull measures one device pushing 100 changes and another
// pulling and applying them.
func BenchmarkPushPull(b *testing.B) {
	const changes = 100
	ctx := context.Background()

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		store := remote.NewMemStore()
		clock := newClock()
		src := newDevice(b, "dev-a", store, clock)
		dst := newDevice(b, "dev-b", store, clock)
		for j := 0; j < changes; j++ {
			id := fmt.Sprintf("a%d", j)
			if _, err := src.gw.PerformTrackedWrite(ctx, insertAnime(id), insertMutation(id)); err != nil {
				b.Fatal(err)
			}
		}
		b.StartTimer()

		src.sync(b)
		if res := dst.sync(b); res.Applied != changes {
			b.Fatalf("applied %d, want %d", res.Applied, changes)
		}
	}
}
