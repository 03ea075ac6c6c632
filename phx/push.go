package phx

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Push is one outgoing message awaiting a correlated reply or timeout. A
// push resolves to exactly one terminal reply; the losing side of any
// reply/timeout race is a no-op, as are duplicate or late replies.
type Push struct {
	topic   string
	event   string
	payload json.RawMessage
	timeout time.Duration

	// fireForget pushes are written without pending registration and
	// resolve ok immediately after the write.
	fireForget bool

	lock     sync.Mutex
	ref      string
	joinRef  string
	reply    Reply
	resolved bool
	done     chan struct{}
	timer    *time.Timer
	hooks    []func(Reply)
}

func newPush(topic string, event string, payload json.RawMessage, timeout time.Duration) *Push {
	return &Push{
		topic:   topic,
		event:   event,
		payload: payload,
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

func resolvedPush(topic string, event string, status string, response json.RawMessage) *Push {
	push := newPush(topic, event, nil, 0)
	push.resolve(status, response)
	return push
}

// Ref returns the reference number assigned when the push was sent, or
// empty while the push is still buffered.
func (push *Push) Ref() string {
	push.lock.Lock()
	defer push.lock.Unlock()
	return push.ref
}

// JoinRef returns the join generation the push belongs to.
func (push *Push) JoinRef() string {
	push.lock.Lock()
	defer push.lock.Unlock()
	return push.joinRef
}

// Event returns the push's event name.
func (push *Push) Event() string { return push.event }

// Topic returns the topic the push is addressed to.
func (push *Push) Topic() string { return push.topic }

// IsResolved reports whether the push has reached its terminal reply.
func (push *Push) IsResolved() bool {
	push.lock.Lock()
	defer push.lock.Unlock()
	return push.resolved
}

// Reply returns the terminal reply. The zero Reply is returned while the
// push is still pending.
func (push *Push) Reply() Reply {
	push.lock.Lock()
	defer push.lock.Unlock()
	return push.reply
}

// Wait suspends the caller until the push resolves or ctx is done.
// Cancelling ctx abandons only this wait: the push still resolves through
// its normal reply or timeout path and stays registered until then.
func (push *Push) Wait(ctx context.Context) (Reply, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-push.done:
		return push.Reply(), nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Done returns a channel closed when the push resolves.
func (push *Push) Done() <-chan struct{} { return push.done }

// onResolve registers a completion hook. Hooks run inline on the
// resolving goroutine, after the push is already observable as resolved;
// a hook registered after resolution runs immediately.
func (push *Push) onResolve(hook func(Reply)) {
	push.lock.Lock()
	if push.resolved {
		reply := push.reply
		push.lock.Unlock()
		hook(reply)
		return
	}
	push.hooks = append(push.hooks, hook)
	push.lock.Unlock()
}

// resolve records the terminal reply exactly once and reports whether
// this call won the resolution race.
func (push *Push) resolve(status string, response json.RawMessage) bool {
	push.lock.Lock()
	if push.resolved {
		push.lock.Unlock()
		return false
	}
	push.resolved = true
	push.reply = Reply{Status: status, Response: response}
	if push.timer != nil {
		push.timer.Stop()
		push.timer = nil
	}
	hooks := push.hooks
	push.hooks = nil
	reply := push.reply
	close(push.done)
	push.lock.Unlock()

	for _, hook := range hooks {
		hook(reply)
	}
	return true
}

// startTimeout arms the per-push deadline. Arming an already resolved or
// already armed push is a no-op.
func (push *Push) startTimeout(expired func(*Push)) {
	push.lock.Lock()
	if push.resolved || push.timer != nil || push.timeout <= 0 {
		push.lock.Unlock()
		return
	}
	push.timer = time.AfterFunc(push.timeout, func() {
		if push.resolve(StatusTimeout, nil) && expired != nil {
			expired(push)
		}
	})
	push.lock.Unlock()
}

func (push *Push) setRefs(ref string, joinRef string) {
	push.lock.Lock()
	if push.ref == "" {
		push.ref = ref
	}
	push.joinRef = joinRef
	push.lock.Unlock()
}

func (push *Push) setJoinRef(joinRef string) {
	push.lock.Lock()
	push.joinRef = joinRef
	push.lock.Unlock()
}
