package photometer

import (
	"context"
	"sync"
	"time"

	"zptess/internal/message"
	"zptess/internal/zerrors"
)

// FakeAdapter is an in-memory Adapter used by every package's tests in
// place of real hardware (spec §1 puts the real transport out of scope).
// It replays a fixed frequency series, one sample per Tick, looping if it
// runs out before the consumer stops reading.
type FakeAdapter struct {
	Info_ Info
	Freqs []float64
	Tick  time.Duration

	TimeoutOnGetInfo   bool
	TimeoutOnSaveZP    bool
	StoredZPOverride   *float64 // if set, SaveZeroPoint stores this instead of the written value (simulates verify-mismatch, spec S5)
	TransportOnGetInfo bool

	mu      sync.Mutex
	started bool
	queue   *Queue[message.Message]
	cancel  context.CancelFunc
	seq     uint64
}

// NewFakeAdapter constructs a FakeAdapter with a default 10ms tick.
func NewFakeAdapter(info Info, freqs []float64) *FakeAdapter {
	return &FakeAdapter{Info_: info, Freqs: freqs, Tick: 10 * time.Millisecond}
}

func (f *FakeAdapter) GetInfo(ctx context.Context) (Info, error) {
	if f.TimeoutOnGetInfo {
		return Info{}, zerrors.ErrTimeout
	}
	if f.TransportOnGetInfo {
		return Info{}, zerrors.ErrTransport
	}
	if f.StoredZPOverride != nil {
		info := f.Info_
		info.ZP = *f.StoredZPOverride
		return info, nil
	}
	return f.Info_, nil
}

func (f *FakeAdapter) Readings(ctx context.Context) *Queue[message.Message] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return f.queue
	}
	f.started = true
	f.queue = NewQueue[message.Message]()
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	go f.run(runCtx)
	return f.queue
}

func (f *FakeAdapter) run(ctx context.Context) {
	if len(f.Freqs) == 0 {
		return
	}
	ticker := time.NewTicker(f.Tick)
	defer ticker.Stop()
	i := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			f.seq++
			seq := f.seq
			f.mu.Unlock()
			msg := message.Message{
				Tstamp: time.Now().UTC(),
				Seq:    seq,
				Freq:   f.Freqs[i%len(f.Freqs)],
			}
			f.queue.Push(msg)
			i++
		}
	}
}

func (f *FakeAdapter) SaveZeroPoint(ctx context.Context, zp float64) error {
	if f.TimeoutOnSaveZP {
		return zerrors.ErrTimeout
	}
	if f.StoredZPOverride == nil {
		stored := zp
		f.StoredZPOverride = &stored
	}
	return nil
}

func (f *FakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
	if f.queue != nil {
		f.queue.Close()
	}
	return nil
}
