package store

import "sync"

// LiveQuery is a subscribable cursor over a store query. It emits the full
// result set immediately and again whenever one of the watched collections
// changes. Consumers read Rows() and must call Close() when done; teardown
// is deterministic and does not depend on any UI framework lifecycle.
type LiveQuery[T any] struct {
	ch        chan []T
	closeOnce sync.Once
	done      chan struct{}
	unsub     func()
}

// Rows returns the result channel. Only the latest result set is retained:
// if the consumer lags, intermediate sets are replaced, never queued up.
func (lq *LiveQuery[T]) Rows() <-chan []T { return lq.ch }

// Close tears the live query down. Safe to call more than once.
func (lq *LiveQuery[T]) Close() {
	lq.closeOnce.Do(func() {
		lq.unsub()
		close(lq.done)
	})
}

// Observe runs query and re-runs it whenever one of the named collections
// changes. With no collections, every store change re-runs the query.
// The initial result set is emitted before Observe returns, so a consumer
// never renders from an empty cursor.
func Observe[T any](db *DB, query func() ([]T, error), collections ...string) (*LiveQuery[T], error) {
	initial, err := query()
	if err != nil {
		return nil, err
	}

	watched := make(map[string]bool, len(collections))
	for _, c := range collections {
		watched["store."+c+".changed"] = true
	}

	events, unsub := db.bus.Subscribe("store.", 64)
	lq := &LiveQuery[T]{
		ch:    make(chan []T, 1),
		done:  make(chan struct{}),
		unsub: unsub,
	}
	lq.ch <- initial

	go func() {
		defer close(lq.ch)
		for {
			select {
			case <-lq.done:
				return
			case evt := <-events:
				if len(watched) > 0 && !watched[evt.Kind] {
					continue
				}
				rows, err := query()
				if err != nil {
					continue
				}
				// Latest result wins; drop a stale unread set.
				select {
				case <-lq.ch:
				default:
				}
				select {
				case lq.ch <- rows:
				case <-lq.done:
					return
				}
			}
		}
	}()

	return lq, nil
}
