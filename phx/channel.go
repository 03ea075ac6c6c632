package phx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChannelState is the lifecycle state of a channel's topic subscription.
type ChannelState int32

// Channel lifecycle states.
const (
	ChannelClosed ChannelState = iota
	ChannelJoining
	ChannelJoined
	ChannelLeaving
	ChannelErrored
)

// String returns the lowercase state name.
func (state ChannelState) String() string {
	switch state {
	case ChannelClosed:
		return "closed"
	case ChannelJoining:
		return "joining"
	case ChannelJoined:
		return "joined"
	case ChannelLeaving:
		return "leaving"
	case ChannelErrored:
		return "errored"
	}
	return "unknown"
}

// ChannelConfig carries the per-topic options sent with the join request.
type ChannelConfig struct {
	// Params is an opaque payload merged into the join request.
	Params json.RawMessage

	// BroadcastAck makes Broadcast wait for a correlated server reply
	// instead of resolving ok fire-and-forget.
	BroadcastAck bool

	// BroadcastSelf asks the server to deliver the client's own
	// broadcasts back to it.
	BroadcastSelf bool

	// PresenceKey is the identity used for this client's own presence
	// entry. A random key is minted on first Track when unset.
	PresenceKey string

	// Timeout overrides the socket's default push timeout for this
	// channel's pushes, joins, and leaves.
	Timeout time.Duration
}

// Subscription is a removable handle for one event binding.
type Subscription struct {
	id       uint64
	event    string
	channel  *Channel
	callback func(*Envelope)
}

// Event returns the event name the subscription is bound to.
func (subscription *Subscription) Event() string { return subscription.event }

// Cancel removes the binding from its channel. Cancelling twice is a
// no-op.
func (subscription *Subscription) Cancel() {
	if subscription == nil || subscription.channel == nil {
		return
	}
	subscription.channel.removeBinding(subscription.id)
}

// Channel is the per-topic state machine. It owns the topic's join
// generation, buffered pushes, event bindings, and presence map; all
// frames it sends travel through the owning socket.
type Channel struct {
	socket *Socket
	topic  string
	config ChannelConfig

	lock          sync.Mutex
	state         ChannelState
	joinWanted    bool
	joinRef       string
	joinPush      *Push
	buffer        []*Push
	bindings      []*Subscription
	nextBindingID uint64
	presenceKey   string
	presence      PresenceState
	joinHandlers  []PresenceHandler
	leaveHandlers []PresenceHandler
	rejoinTimer   *time.Timer
}

// Topic returns the channel's immutable topic.
func (channel *Channel) Topic() string { return channel.topic }

// State returns the channel's current lifecycle state.
func (channel *Channel) State() ChannelState {
	channel.lock.Lock()
	defer channel.lock.Unlock()
	return channel.state
}

// CurrentJoinRef returns the channel's current join generation.
func (channel *Channel) CurrentJoinRef() string {
	channel.lock.Lock()
	defer channel.lock.Unlock()
	return channel.joinRef
}

// acceptsReply reports whether a reply stamped with the given generation
// belongs to the channel's current join generation.
func (channel *Channel) acceptsReply(joinRef string) bool {
	channel.lock.Lock()
	defer channel.lock.Unlock()
	return joinRef == channel.joinRef
}

// Join subscribes the channel to its topic. While a join is in flight, or
// after one has succeeded, Join returns the existing join push so
// concurrent callers share one result and exactly one join frame is
// sent. Each fresh attempt allocates a new join generation.
func (channel *Channel) Join() *Push {
	payload := channel.joinPayload()

	channel.lock.Lock()
	switch channel.state {
	case ChannelJoining, ChannelJoined:
		push := channel.joinPush
		channel.lock.Unlock()
		return push
	case ChannelLeaving:
		channel.lock.Unlock()
		return resolvedPush(channel.topic, EventJoin, StatusError, errorResponse("channel is leaving"))
	}

	channel.joinWanted = true
	channel.state = ChannelJoining
	joinRef := channel.socket.makeJoinRef()
	channel.joinRef = joinRef

	push := newPush(channel.topic, EventJoin, payload, channel.timeoutLocked())
	push.setJoinRef(joinRef)
	channel.joinPush = push
	channel.lock.Unlock()

	push.onResolve(func(reply Reply) {
		channel.joinResolved(joinRef, reply)
	})

	if err := channel.socket.sendPush(push); err != nil {
		// Not connected; the socket's reconnect policy rejoins us later.
		push.resolve(StatusError, errorResponse(err.Error()))
	}

	return push
}

func (channel *Channel) joinResolved(joinRef string, reply Reply) {
	channel.lock.Lock()
	if channel.joinRef != joinRef || channel.state != ChannelJoining {
		channel.lock.Unlock()
		return
	}

	if reply.Status == StatusOK {
		// Flush under the lock so nobody observes joined while buffered
		// pushes are still unsent; a racing Push would otherwise jump
		// ahead of them on the wire.
		buffered := channel.buffer
		channel.buffer = nil
		for _, pending := range buffered {
			if pending.IsResolved() {
				continue
			}
			pending.setJoinRef(joinRef)
			if err := channel.socket.sendPush(pending); err != nil {
				pending.resolve(StatusError, errorResponse(err.Error()))
			}
		}
		channel.state = ChannelJoined
		channel.lock.Unlock()
		return
	}

	channel.state = ChannelErrored
	channel.lock.Unlock()
	channel.socket.channelErrored(channel, reply.Status)
}

// Leave unsubscribes from the topic. The channel transitions to closed
// whether or not the server replies; every other outstanding push
// resolves with a left status and the socket forgets the channel.
func (channel *Channel) Leave() *Push {
	channel.lock.Lock()
	channel.joinWanted = false
	if channel.rejoinTimer != nil {
		channel.rejoinTimer.Stop()
		channel.rejoinTimer = nil
	}
	if channel.state == ChannelClosed || channel.state == ChannelLeaving {
		channel.lock.Unlock()
		return resolvedPush(channel.topic, EventLeave, StatusOK, nil)
	}
	joinRef := channel.joinRef
	channel.state = ChannelLeaving
	timeout := channel.timeoutLocked()
	channel.lock.Unlock()

	push := newPush(channel.topic, EventLeave, nil, timeout)
	push.setJoinRef(joinRef)
	push.onResolve(func(Reply) {
		channel.leaveFinished(push.Ref())
	})

	if err := channel.socket.sendPush(push); err != nil {
		// Nothing to tell the server; close out locally.
		push.resolve(StatusOK, nil)
	}

	return push
}

func (channel *Channel) leaveFinished(exceptRef string) {
	channel.lock.Lock()
	if channel.state == ChannelClosed {
		channel.lock.Unlock()
		return
	}
	channel.state = ChannelClosed
	buffered := channel.buffer
	channel.buffer = nil
	channel.joinPush = nil
	channel.presence = nil
	channel.lock.Unlock()

	for _, pending := range buffered {
		pending.resolve(StatusLeft, nil)
	}
	channel.socket.resolveTopicPushes(channel.topic, exceptRef, StatusLeft)
	channel.socket.removeChannel(channel)
}

// Push sends an event to the topic. While joined the frame goes out
// immediately under the current join generation; while joining it is
// buffered and flushed once the join succeeds; in any other state the
// call fails without touching the network.
func (channel *Channel) Push(event string, payload json.RawMessage, timeout ...time.Duration) (*Push, error) {
	return channel.push(event, payload, false, timeout...)
}

// Broadcast sends an event to every subscriber of the topic. Without the
// BroadcastAck option the push resolves ok as soon as the frame is
// written; with it, Broadcast behaves exactly like Push.
func (channel *Channel) Broadcast(event string, payload json.RawMessage) (*Push, error) {
	if channel.config.BroadcastAck {
		return channel.push(event, payload, false)
	}
	return channel.push(event, payload, true)
}

func (channel *Channel) push(event string, payload json.RawMessage, fireForget bool, timeout ...time.Duration) (*Push, error) {
	pushTimeout := channel.timeout()
	if len(timeout) > 0 && timeout[0] > 0 {
		pushTimeout = timeout[0]
	}

	channel.lock.Lock()
	switch channel.state {
	case ChannelJoined:
		joinRef := channel.joinRef
		channel.lock.Unlock()

		push := newPush(channel.topic, event, payload, pushTimeout)
		push.fireForget = fireForget
		push.setJoinRef(joinRef)
		if err := channel.socket.sendPush(push); err != nil {
			return nil, err
		}
		return push, nil

	case ChannelJoining:
		push := newPush(channel.topic, event, payload, pushTimeout)
		push.fireForget = fireForget
		channel.buffer = append(channel.buffer, push)
		channel.lock.Unlock()

		// Buffered pushes keep their deadline while waiting for the join.
		if !fireForget {
			push.startTimeout(channel.socket.discardPending)
		}
		return push, nil

	default:
		state := channel.state
		channel.lock.Unlock()
		return nil, NewError(ChannelUnavailableError, fmt.Sprintf("channel %q is %s", channel.topic, state))
	}
}

// On registers a callback for an exact event name. Callbacks for the same
// event run in registration order; dispatch happens off the socket's
// inbound loop, so a slow callback never stalls frame processing.
func (channel *Channel) On(event string, callback func(*Envelope)) *Subscription {
	channel.lock.Lock()
	channel.nextBindingID++
	subscription := &Subscription{
		id:       channel.nextBindingID,
		event:    event,
		channel:  channel,
		callback: callback,
	}
	channel.bindings = append(channel.bindings, subscription)
	channel.lock.Unlock()
	return subscription
}

// Off removes every binding registered for the event.
func (channel *Channel) Off(event string) {
	channel.lock.Lock()
	kept := channel.bindings[:0]
	for _, binding := range channel.bindings {
		if binding.event != event {
			kept = append(kept, binding)
		}
	}
	channel.bindings = kept
	channel.lock.Unlock()
}

func (channel *Channel) removeBinding(id uint64) {
	channel.lock.Lock()
	kept := channel.bindings[:0]
	for _, binding := range channel.bindings {
		if binding.id != id {
			kept = append(kept, binding)
		}
	}
	channel.bindings = kept
	channel.lock.Unlock()
}

// BindingCount reports the number of live event bindings.
func (channel *Channel) BindingCount() int {
	channel.lock.Lock()
	defer channel.lock.Unlock()
	return len(channel.bindings)
}

// OnPresenceJoin registers a callback for presence additions. The
// callback receives only the entries added by the triggering update.
func (channel *Channel) OnPresenceJoin(handler PresenceHandler) {
	channel.lock.Lock()
	channel.joinHandlers = append(channel.joinHandlers, handler)
	channel.lock.Unlock()
}

// OnPresenceLeave registers a callback for presence removals. The
// callback receives only the entries removed by the triggering update.
func (channel *Channel) OnPresenceLeave(handler PresenceHandler) {
	channel.lock.Lock()
	channel.leaveHandlers = append(channel.leaveHandlers, handler)
	channel.lock.Unlock()
}

// PresenceList returns a snapshot of the channel's presence map.
func (channel *Channel) PresenceList() PresenceState {
	channel.lock.Lock()
	defer channel.lock.Unlock()
	return channel.presence.Clone()
}

// Track announces this client as a presence member of the topic using
// the configured presence key, minting a random key when none is set.
func (channel *Channel) Track(meta json.RawMessage) (*Push, error) {
	key := channel.ownPresenceKey()
	payload, err := json.Marshal(struct {
		Key  string          `json:"key"`
		Meta json.RawMessage `json:"meta,omitempty"`
	}{Key: key, Meta: meta})
	if err != nil {
		return nil, NewError(ProtocolError, err)
	}
	return channel.Push(eventPresenceTrack, payload)
}

// Untrack withdraws this client's presence entry.
func (channel *Channel) Untrack() (*Push, error) {
	key := channel.ownPresenceKey()
	payload, err := json.Marshal(struct {
		Key string `json:"key"`
	}{Key: key})
	if err != nil {
		return nil, NewError(ProtocolError, err)
	}
	return channel.Push(eventPresenceUntrack, payload)
}

func (channel *Channel) ownPresenceKey() string {
	channel.lock.Lock()
	defer channel.lock.Unlock()
	if channel.presenceKey == "" {
		channel.presenceKey = channel.config.PresenceKey
		if channel.presenceKey == "" {
			channel.presenceKey = uuid.NewString()
		}
	}
	return channel.presenceKey
}

// dispatchEvent handles one inbound non-reply envelope. It runs on the
// socket's dispatcher goroutine, in arrival order.
func (channel *Channel) dispatchEvent(envelope *Envelope) {
	switch envelope.Event {
	case EventError:
		channel.triggerError("remote channel error")
	case EventClose:
		if envelope.JoinRef == "" || channel.acceptsReply(envelope.JoinRef) {
			channel.lock.Lock()
			channel.joinWanted = false
			channel.lock.Unlock()
			channel.leaveFinished("")
		}
		return
	case EventPresenceState:
		channel.syncPresenceState(envelope.Payload)
	case EventPresenceDiff:
		channel.syncPresenceDiff(envelope.Payload)
	}

	channel.lock.Lock()
	var callbacks []func(*Envelope)
	for _, binding := range channel.bindings {
		if binding.event == envelope.Event {
			callbacks = append(callbacks, binding.callback)
		}
	}
	channel.lock.Unlock()

	for _, callback := range callbacks {
		callback(envelope)
	}
}

func (channel *Channel) syncPresenceState(payload json.RawMessage) {
	var incoming PresenceState
	if err := json.Unmarshal(payload, &incoming); err != nil {
		channel.socket.logger.Warn().Str("topic", channel.topic).Err(err).Msg("dropping malformed presence state")
		return
	}

	channel.lock.Lock()
	joins, leaves := SyncState(channel.presence, incoming)
	channel.presence = incoming.Clone()
	joinHandlers := append([]PresenceHandler(nil), channel.joinHandlers...)
	leaveHandlers := append([]PresenceHandler(nil), channel.leaveHandlers...)
	channel.lock.Unlock()

	channel.notifyPresence(leaveHandlers, leaves)
	channel.notifyPresence(joinHandlers, joins)
}

func (channel *Channel) syncPresenceDiff(payload json.RawMessage) {
	var diff PresenceDiff
	if err := json.Unmarshal(payload, &diff); err != nil {
		channel.socket.logger.Warn().Str("topic", channel.topic).Err(err).Msg("dropping malformed presence diff")
		return
	}

	channel.lock.Lock()
	channel.presence = SyncDiff(channel.presence, diff)
	joinHandlers := append([]PresenceHandler(nil), channel.joinHandlers...)
	leaveHandlers := append([]PresenceHandler(nil), channel.leaveHandlers...)
	channel.lock.Unlock()

	channel.notifyPresence(leaveHandlers, diff.Leaves)
	channel.notifyPresence(joinHandlers, diff.Joins)
}

func (channel *Channel) notifyPresence(handlers []PresenceHandler, delta PresenceState) {
	if len(delta) == 0 {
		return
	}
	for _, handler := range handlers {
		handler(delta)
	}
}

// triggerError moves the channel to errored and fails its outstanding
// pushes; the socket decides whether and when to rejoin.
func (channel *Channel) triggerError(reason string) {
	channel.lock.Lock()
	if channel.state == ChannelClosed || channel.state == ChannelLeaving {
		channel.lock.Unlock()
		return
	}
	channel.state = ChannelErrored
	buffered := channel.buffer
	channel.buffer = nil
	channel.lock.Unlock()

	for _, pending := range buffered {
		pending.resolve(StatusError, errorResponse(reason))
	}
	channel.socket.resolveTopicPushes(channel.topic, "", StatusError)
	channel.socket.channelErrored(channel, reason)
}

// socketClosed marks the channel errored after a connection loss without
// touching its configuration or buffered pushes, so a later reconnect
// can rejoin and flush under a new generation.
func (channel *Channel) socketClosed() {
	channel.lock.Lock()
	if channel.state != ChannelClosed && channel.state != ChannelLeaving {
		channel.state = ChannelErrored
	}
	if channel.rejoinTimer != nil {
		channel.rejoinTimer.Stop()
		channel.rejoinTimer = nil
	}
	channel.lock.Unlock()
}

// rejoin re-issues the join under a fresh generation when the channel
// wants to be joined and the socket is connected.
func (channel *Channel) rejoin() {
	channel.lock.Lock()
	wanted := channel.joinWanted
	state := channel.state
	channel.lock.Unlock()

	if !wanted || state != ChannelErrored {
		return
	}
	if !channel.socket.IsConnected() {
		return
	}
	channel.Join()
}

func (channel *Channel) scheduleRejoin(delay time.Duration) {
	channel.lock.Lock()
	if channel.rejoinTimer != nil || !channel.joinWanted {
		channel.lock.Unlock()
		return
	}
	channel.rejoinTimer = time.AfterFunc(delay, func() {
		channel.lock.Lock()
		channel.rejoinTimer = nil
		channel.lock.Unlock()
		channel.rejoin()
	})
	channel.lock.Unlock()
}

func (channel *Channel) timeout() time.Duration {
	channel.lock.Lock()
	defer channel.lock.Unlock()
	return channel.timeoutLocked()
}

func (channel *Channel) timeoutLocked() time.Duration {
	if channel.config.Timeout > 0 {
		return channel.config.Timeout
	}
	return channel.socket.defaultTimeout()
}

type broadcastOptions struct {
	Ack  bool `json:"ack"`
	Self bool `json:"self"`
}

type presenceOptions struct {
	Key string `json:"key"`
}

type channelOptions struct {
	Broadcast broadcastOptions `json:"broadcast"`
	Presence  presenceOptions  `json:"presence"`
}

type joinRequest struct {
	Config channelOptions  `json:"config"`
	Params json.RawMessage `json:"params,omitempty"`
	Token  string          `json:"access_token,omitempty"`
}

// joinPayload builds the join request, re-reading the auth token so a
// rejoin always carries the current credentials.
func (channel *Channel) joinPayload() json.RawMessage {
	token, err := channel.socket.authToken(context.Background())
	if err != nil {
		channel.socket.logger.Warn().Str("topic", channel.topic).Err(err).Msg("joining without a token")
		token = ""
	}

	request := joinRequest{
		Config: channelOptions{
			Broadcast: broadcastOptions{Ack: channel.config.BroadcastAck, Self: channel.config.BroadcastSelf},
			Presence:  presenceOptions{Key: channel.config.PresenceKey},
		},
		Params: channel.config.Params,
		Token:  token,
	}

	payload, marshalErr := json.Marshal(request)
	if marshalErr != nil {
		return json.RawMessage("{}")
	}
	return payload
}

func errorResponse(reason string) json.RawMessage {
	payload, err := json.Marshal(struct {
		Reason string `json:"reason"`
	}{Reason: reason})
	if err != nil {
		return json.RawMessage("{}")
	}
	return payload
}
