package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

// Observer receives bridge events. Observers are called one at a time from
// the dispatch goroutine started by Run.
type Observer interface {
	OnEvent(ctx context.Context, ev domain.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev domain.Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(ctx context.Context, ev domain.Event) {
	f(ctx, ev)
}

// emit queues an event without blocking. A full buffer drops the event and
// counts it. Must not be called with b.mu held.
func (b *Bridge) emit(t domain.EventType, msg string, detail map[string]any) {
	ev := domain.Event{Type: t, At: b.now().UTC(), Message: msg, Detail: detail}
	select {
	case b.events <- ev:
	default:
		b.mu.Lock()
		b.stats.EventsDropped++
		b.mu.Unlock()
		b.logger.Debug("bridge: event buffer full, dropped", slog.String("type", string(t)))
	}
}

func (b *Bridge) dispatch(ctx context.Context, ev domain.Event) {
	for _, o := range b.deps.Observers {
		o.OnEvent(ctx, ev)
	}
}

// dispatchLoop delivers queued events until ctx ends, then flushes what is
// already buffered.
func (b *Bridge) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			flush := context.WithoutCancel(ctx)
			for {
				select {
				case ev := <-b.events:
					b.dispatch(flush, ev)
				default:
					return ctx.Err()
				}
			}
		case ev := <-b.events:
			b.dispatch(ctx, ev)
		}
	}
}

// dayReset carries the finished day out of the lock.
type dayReset struct {
	ok     bool
	day    time.Time
	pnl    float64
	count  int
	trades []domain.ExecutedTrade
}

// resetIfNewDayLocked zeroes the daily counters once the UTC day has
// changed. Caller holds b.mu.
func (b *Bridge) resetIfNewDayLocked(now time.Time) dayReset {
	today := utcDay(now)
	if !today.After(b.stats.DayStart) {
		return dayReset{}
	}
	r := dayReset{
		ok:     true,
		day:    b.stats.DayStart,
		pnl:    b.stats.DailyPnL,
		count:  b.stats.DailyTrades,
		trades: b.dayTrades,
	}
	b.stats.DailyPnL = 0
	b.stats.DailyTrades = 0
	b.stats.DayStart = today
	b.dayTrades = nil
	return r
}

// afterReset announces a reset and hands the finished day to the archiver
// in the background.
func (b *Bridge) afterReset(ctx context.Context, r dayReset) {
	if !r.ok {
		return
	}
	day := r.day.Format(time.DateOnly)
	b.logger.InfoContext(ctx, "bridge: daily counters reset",
		slog.String("day", day),
		slog.Float64("pnl", r.pnl),
		slog.Int("trades", r.count),
	)
	b.emit(domain.EventDailyReset, "daily counters reset", map[string]any{
		"day":    day,
		"pnl":    r.pnl,
		"trades": r.count,
	})

	if b.deps.Archiver == nil || len(r.trades) == 0 {
		return
	}
	b.bg.Add(1)
	go func() {
		defer b.bg.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		key, err := b.deps.Archiver.ArchiveDay(actx, r.day, r.trades)
		if err != nil {
			b.logger.WarnContext(actx, "bridge: archive day failed",
				slog.String("day", day),
				slog.String("error", err.Error()),
			)
			return
		}
		b.logger.InfoContext(actx, "bridge: day archived",
			slog.String("day", day),
			slog.String("key", key),
			slog.Int("trades", len(r.trades)),
		)
	}()
}

func utcDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
