package notifier

import (
	"sync/atomic"

	"github.com/cagehost/orchestrator/internal/models"
)

// ChanNotifier fans pool lifecycle events out to whoever drains the
// channel (the kafka sender in production). Publishing never drops an
// event unless the notifier is closed.
type ChanNotifier struct {
	eventChan chan models.PoolEvent
	closed    atomic.Bool
	close     chan struct{}
}

func New(buf int) *ChanNotifier {
	return &ChanNotifier{
		eventChan: make(chan models.PoolEvent, buf),
		close:     make(chan struct{}),
	}
}

func (n *ChanNotifier) Publish(event models.PoolEvent) {
	if n.closed.Load() {
		return
	}
	select {
	case n.eventChan <- event:
	case <-n.close:
	default:
		if n.closed.Load() {
			return
		}
		select {
		case n.eventChan <- event:
		case <-n.close:
		}
	}
}

func (n *ChanNotifier) Events() chan models.PoolEvent {
	return n.eventChan
}

func (n *ChanNotifier) Close() {
	n.closed.Store(true)
	close(n.close)
	close(n.eventChan)
}
