package export

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until the queue signals new work or ctx ends.
type Waiter interface {
	WaitForNotification(ctx context.Context) error
}

// Notifier fans queue wake-ups out to idle workers.
type Notifier interface {
	Subscribe() (func(), <-chan struct{})
	StopAll()
}

// NotifierOptions configure the default notifier.
type NotifierOptions struct {
	Waiter     Waiter
	WaitWindow time.Duration
	Backoff    time.Duration
}

// DefaultNotifier runs one listener for all subscribers and stops it when the
// last subscriber leaves.
type DefaultNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu       sync.Mutex
	subs     map[chan struct{}]struct{}
	stopLoop context.CancelFunc
}

// NewNotifier constructs the default notifier implementation.
func NewNotifier(opts NotifierOptions) (*DefaultNotifier, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}
	n := &DefaultNotifier{
		waiter:     opts.Waiter,
		waitWindow: opts.WaitWindow,
		backoff:    opts.Backoff,
		subs:       make(map[chan struct{}]struct{}),
	}
	if n.waitWindow <= 0 {
		n.waitWindow = time.Minute
	}
	if n.backoff <= 0 {
		n.backoff = 250 * time.Millisecond
	}
	return n, nil
}

// Subscribe registers a wake-up channel. Signals coalesce: the channel holds at most one.
func (n *DefaultNotifier) Subscribe() (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopLoop == nil {
		ctx, cancel := context.WithCancel(context.Background())
		n.stopLoop = cancel
		go n.listenLoop(ctx)
	}

	ch := make(chan struct{}, 1)
	n.subs[ch] = struct{}{}

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if _, ok := n.subs[ch]; !ok {
				return
			}
			delete(n.subs, ch)
			drainAndClose(ch)
			if len(n.subs) == 0 && n.stopLoop != nil {
				n.stopLoop()
				n.stopLoop = nil
			}
		})
	}
	return unsub, ch
}

// StopAll closes every subscription and the listener.
func (n *DefaultNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopLoop != nil {
		n.stopLoop()
		n.stopLoop = nil
	}
	for ch := range n.subs {
		drainAndClose(ch)
		delete(n.subs, ch)
	}
}

func (n *DefaultNotifier) listenLoop(ctx context.Context) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
		err := n.waiter.WaitForNotification(waitCtx)
		cancel()

		// Broadcast on timeouts too so workers re-poll for delayed items.
		n.broadcast()

		if err != nil && ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
			timer := time.NewTimer(n.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

func (n *DefaultNotifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// drainAndClose removes any buffered signal before closing so receivers observe
// a closed channel immediately.
func drainAndClose(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

var _ Notifier = (*DefaultNotifier)(nil)
