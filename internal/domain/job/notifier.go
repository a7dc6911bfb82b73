package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/target/dispatchd/internal/domain/model"
)

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until the queue signals new work for a job type.
type Waiter interface {
	WaitForNotification(ctx context.Context, jobType model.JobType) error
}

// Notifier fans queue wake-ups out to runner workers.
type Notifier interface {
	Subscribe(jobType model.JobType) (func(), <-chan struct{})
	StopAll()
}

// NotifierOptions configure DefaultNotifier.
type NotifierOptions struct {
	Waiter Waiter
	// PollInterval bounds how long subscribers wait without a wake-up. Rescheduled
	// jobs become due without any NOTIFY, so this doubles as the polling period.
	PollInterval time.Duration
	// ErrorBackoff is the pause after a failed wait before listening again.
	ErrorBackoff time.Duration
}

type topic struct {
	cancel context.CancelFunc
	subs   map[chan struct{}]struct{}
}

// DefaultNotifier runs one listener goroutine per subscribed job type.
type DefaultNotifier struct {
	waiter       Waiter
	pollInterval time.Duration
	errorBackoff time.Duration

	mu     sync.Mutex
	topics map[model.JobType]*topic
}

// NewNotifier constructs the default notifier.
func NewNotifier(opts NotifierOptions) (*DefaultNotifier, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}
	n := &DefaultNotifier{
		waiter:       opts.Waiter,
		pollInterval: opts.PollInterval,
		errorBackoff: opts.ErrorBackoff,
		topics:       make(map[model.JobType]*topic),
	}
	if n.pollInterval <= 0 {
		n.pollInterval = 15 * time.Second
	}
	if n.errorBackoff <= 0 {
		n.errorBackoff = 250 * time.Millisecond
	}
	return n, nil
}

// Subscribe registers a buffered wake-up channel for jobType. The returned func
// unsubscribes and closes the channel.
func (n *DefaultNotifier) Subscribe(jobType model.JobType) (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	tp, ok := n.topics[jobType]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		tp = &topic{cancel: cancel, subs: make(map[chan struct{}]struct{})}
		n.topics[jobType] = tp
		go n.listen(ctx, jobType)
	}

	ch := make(chan struct{}, 1)
	tp.subs[ch] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() { n.unsubscribe(jobType, ch) })
	}, ch
}

func (n *DefaultNotifier) unsubscribe(jobType model.JobType, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	tp, ok := n.topics[jobType]
	if !ok {
		return
	}
	if _, ok := tp.subs[ch]; !ok {
		return
	}
	delete(tp.subs, ch)
	closeDrained(ch)
	if len(tp.subs) == 0 {
		tp.cancel()
		delete(n.topics, jobType)
	}
}

// StopAll stops every listener and closes all subscriber channels.
func (n *DefaultNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for jobType, tp := range n.topics {
		tp.cancel()
		for ch := range tp.subs {
			closeDrained(ch)
		}
		delete(n.topics, jobType)
	}
}

func (n *DefaultNotifier) listen(ctx context.Context, jobType model.JobType) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.pollInterval)
		err := n.waiter.WaitForNotification(waitCtx, jobType)
		cancel()

		// Wake subscribers on notifications and on poll timeouts alike.
		n.wake(jobType)

		if err == nil || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			continue
		}
		t := time.NewTimer(n.errorBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (n *DefaultNotifier) wake(jobType model.JobType) {
	n.mu.Lock()
	defer n.mu.Unlock()

	tp, ok := n.topics[jobType]
	if !ok {
		return
	}
	for ch := range tp.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func closeDrained(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
	close(ch)
}

var _ Notifier = (*DefaultNotifier)(nil)
