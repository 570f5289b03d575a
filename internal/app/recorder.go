package app

import (
	"context"
	"time"

	"stagehand/internal/eventbus"
	"stagehand/internal/storage"
	logx "stagehand/pkg/logx"
)

// recorder persists finished runs and builds published on the bus.
type recorder struct {
	unsub func()
	done  chan struct{}
}

// startRecorder subscribes before any run can start. It is a no-op without
// storage.
func (a *App) startRecorder() {
	if a.store == nil {
		return
	}
	events, unsub := a.bus.Subscribe(128)
	r := &recorder{unsub: unsub, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		recordLoop(a.store, a.log.With(logx.String("comp", "recorder")), events)
	}()
	a.recorder = r
}

// stop closes the subscription and waits for buffered records to be written.
func (r *recorder) stop(ctx context.Context) {
	r.unsub()
	select {
	case <-r.done:
	case <-ctx.Done():
	}
}

// recordLoop runs until events is closed, so runs finishing during shutdown
// are still written.
func recordLoop(store storage.Store, log logx.Logger, events <-chan eventbus.Event) {
	for e := range events {
		if e.Type != eventbus.RunFinished && e.Type != eventbus.BuildFinished {
			continue
		}
		rec, ok := e.Data.(storage.RunRecord)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := store.AppendRun(ctx, rec)
		cancel()
		if err != nil {
			log.Warn("run record not stored", logx.String("id", rec.ID), logx.String("name", rec.Name), logx.Err(err))
			continue
		}
		log.Debug("run recorded", logx.String("id", rec.ID), logx.String("kind", rec.Kind), logx.String("name", rec.Name))
	}
}
