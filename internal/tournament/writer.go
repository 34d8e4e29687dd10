package tournament

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-chess-server/internal/obslog"
)

// writer saves snapshots on one goroutine. Pending snapshots are coalesced
// per tournament, so only the latest one taken is written and enqueue never
// waits on the store.
type writer struct {
	store   Store
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*Tournament
	order   []string

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func newWriter(store Store) *writer {
	w := &writer{
		store:   store,
		timeout: 5 * time.Second,
		pending: make(map[string]*Tournament),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *writer) enqueue(t *Tournament) {
	w.mu.Lock()
	if _, ok := w.pending[t.ID]; !ok {
		w.order = append(w.order, t.ID)
	}
	w.pending[t.ID] = t
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *writer) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.wake:
			w.flush()
		case <-w.done:
			w.flush()
			return
		}
	}
}

func (w *writer) flush() {
	for {
		w.mu.Lock()
		if len(w.order) == 0 {
			w.mu.Unlock()
			return
		}
		id := w.order[0]
		w.order = w.order[1:]
		t := w.pending[id]
		delete(w.pending, id)
		w.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := w.store.SaveTournament(ctx, t); err != nil {
			obslog.L().Error("tournament_persist_error",
				zap.String("tournament_id", t.ID),
				zap.Int("round", t.CurrentRound),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// close writes whatever is still pending and stops the worker.
func (w *writer) close() {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
}
