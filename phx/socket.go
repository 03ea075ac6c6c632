package phx

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Socket multiplexes every channel of one application session over a
// single transport. It owns the transport exclusively, assigns the
// connection-unique reference numbers, correlates replies to pending
// pushes, drives the heartbeat, and reconnects with backoff after a
// connection loss.
type Socket struct {
	endpoint string

	lock              sync.Mutex
	codec             Codec
	tokens            TokenProvider
	dial              Dialer
	logger            zerolog.Logger
	heartbeatInterval time.Duration
	heartbeatMisses   int
	pushTimeout       time.Duration
	rejoinDelay       time.Duration
	strategy          ReconnectDelayStrategy

	transport     Transport
	connected     bool
	manual        bool
	sessionID     string
	nextRef       uint64
	nextJoinRef   uint64
	channels      map[string]*Channel
	pending       map[string]*Push
	heartbeat     *Push
	missed        int
	heartbeatStop chan struct{}
	dispatch      *_DispatchQueue

	reconnecting    atomic.Bool
	reconnectCancel context.CancelFunc
}

// NewSocket returns a new Socket for the given endpoint URL. The scheme
// may be ws, wss, http, or https.
func NewSocket(endpoint string) *Socket {
	return &Socket{
		endpoint:          endpoint,
		codec:             NewArrayCodec(),
		dial:              WebsocketDialer,
		logger:            zerolog.Nop(),
		heartbeatInterval: 30 * time.Second,
		heartbeatMisses:   2,
		pushTimeout:       10 * time.Second,
		rejoinDelay:       2 * time.Second,
		strategy:          NewExponentialDelayStrategy(time.Second, 30*time.Second, 2, 0.25),
		channels:          make(map[string]*Channel),
		pending:           make(map[string]*Push),
	}
}

// SetCodec sets the wire codec; call before Connect.
func (socket *Socket) SetCodec(codec Codec) *Socket {
	socket.lock.Lock()
	socket.codec = codec
	socket.lock.Unlock()
	return socket
}

// SetTokenProvider sets the auth collaborator supplying bearer tokens.
func (socket *Socket) SetTokenProvider(tokens TokenProvider) *Socket {
	socket.lock.Lock()
	socket.tokens = tokens
	socket.lock.Unlock()
	return socket
}

// SetDialer sets the transport dialer; call before Connect.
func (socket *Socket) SetDialer(dial Dialer) *Socket {
	socket.lock.Lock()
	socket.dial = dial
	socket.lock.Unlock()
	return socket
}

// SetLogger sets the diagnostic logger.
func (socket *Socket) SetLogger(logger zerolog.Logger) *Socket {
	socket.lock.Lock()
	socket.logger = logger
	socket.lock.Unlock()
	return socket
}

// SetHeartbeatInterval sets the keepalive cadence. Zero disables the
// heartbeat.
func (socket *Socket) SetHeartbeatInterval(interval time.Duration) *Socket {
	socket.lock.Lock()
	socket.heartbeatInterval = interval
	socket.lock.Unlock()
	return socket
}

// SetHeartbeatMisses sets how many unanswered heartbeat intervals are
// tolerated before the connection is treated as dead.
func (socket *Socket) SetHeartbeatMisses(misses int) *Socket {
	if misses < 1 {
		misses = 1
	}
	socket.lock.Lock()
	socket.heartbeatMisses = misses
	socket.lock.Unlock()
	return socket
}

// SetDefaultTimeout sets the default per-push deadline.
func (socket *Socket) SetDefaultTimeout(timeout time.Duration) *Socket {
	socket.lock.Lock()
	socket.pushTimeout = timeout
	socket.lock.Unlock()
	return socket
}

// SetReconnectDelayStrategy sets the backoff policy between reconnect
// attempts.
func (socket *Socket) SetReconnectDelayStrategy(strategy ReconnectDelayStrategy) *Socket {
	socket.lock.Lock()
	socket.strategy = strategy
	socket.lock.Unlock()
	return socket
}

// SetReconnectDelayFunc sets the backoff policy from an attempt-to-delay
// function.
func (socket *Socket) SetReconnectDelayFunc(fn func(attempt int) time.Duration) *Socket {
	return socket.SetReconnectDelayStrategy(NewDelayFuncStrategy(fn))
}

// SetChannelRejoinDelay sets how long an errored channel waits before
// rejoining while the socket stays connected. Zero disables standalone
// rejoins; reconnects still rejoin immediately.
func (socket *Socket) SetChannelRejoinDelay(delay time.Duration) *Socket {
	socket.lock.Lock()
	socket.rejoinDelay = delay
	socket.lock.Unlock()
	return socket
}

// IsConnected reports whether the transport is currently open.
func (socket *Socket) IsConnected() bool {
	socket.lock.Lock()
	defer socket.lock.Unlock()
	return socket.connected
}

// SessionID returns the identifier minted for the current transport
// session, for log correlation.
func (socket *Socket) SessionID() string {
	socket.lock.Lock()
	defer socket.lock.Unlock()
	return socket.sessionID
}

// Connect establishes the transport and rejoins every channel that was
// previously joining or joined, each under a fresh join generation.
func (socket *Socket) Connect() error {
	return socket.ConnectContext(context.Background())
}

// ConnectContext is Connect bounded by a context.
func (socket *Socket) ConnectContext(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	socket.lock.Lock()
	if socket.connected {
		socket.lock.Unlock()
		return NewError(AlreadyConnectedError)
	}
	socket.manual = false
	endpoint := socket.endpoint
	tokens := socket.tokens
	codec := socket.codec
	dial := socket.dial
	strategy := socket.strategy
	socket.lock.Unlock()

	token := ""
	if tokens != nil {
		var err error
		if token, err = tokens.CurrentToken(ctx); err != nil {
			return NewError(AuthenticationError, err)
		}
	}

	connectURL, err := buildConnectURL(endpoint, codec.Vsn(), token)
	if err != nil {
		return err
	}

	// Close events carry the transport that produced them, so a late
	// report from a torn-down transport cannot touch its successor. The
	// ready gate orders the dialed assignment against a read loop that
	// fails before dial returns.
	ready := make(chan struct{})
	var dialed Transport
	callbacks := TransportCallbacks{
		OnFrame: socket.handleFrame,
		OnClose: func(code int, reason string) {
			<-ready
			if dialed == nil {
				return
			}
			socket.transportClosed(dialed, NewError(ConnectionLostError, fmt.Sprintf("transport closed (%d): %s", code, reason)))
		},
		OnError: func(err error) {
			<-ready
			if dialed == nil {
				return
			}
			socket.transportClosed(dialed, NewError(ConnectionLostError, err))
		},
	}

	transport, err := dial(ctx, connectURL, nil, callbacks)
	if err != nil {
		close(ready)
		return NewError(ConnectionRefusedError, err)
	}
	dialed = transport
	close(ready)

	socket.lock.Lock()
	if socket.connected {
		socket.lock.Unlock()
		_ = transport.Close()
		return NewError(AlreadyConnectedError)
	}
	socket.transport = transport
	socket.connected = true
	socket.sessionID = ulid.Make().String()
	socket.missed = 0
	socket.heartbeat = nil
	if socket.dispatch == nil {
		socket.dispatch = newDispatchQueue(64)
		go socket.dispatchLoop(socket.dispatch)
	}
	stop := make(chan struct{})
	socket.heartbeatStop = stop
	interval := socket.heartbeatInterval
	sessionID := socket.sessionID
	channels := make([]*Channel, 0, len(socket.channels))
	for _, channel := range socket.channels {
		channels = append(channels, channel)
	}
	socket.lock.Unlock()

	if strategy != nil {
		strategy.Reset()
	}
	if interval > 0 {
		go socket.heartbeatLoop(interval, stop)
	}

	socket.logger.Info().Str("session", sessionID).Str("url", endpoint).Msg("connected")

	for _, channel := range channels {
		channel.rejoin()
	}
	return nil
}

// Disconnect closes the transport, stops the heartbeat and any reconnect
// loop, and fails every channel's outstanding pushes. Channel
// configuration is kept so a later Connect can rejoin them.
func (socket *Socket) Disconnect(reason string) error {
	socket.lock.Lock()
	socket.manual = true
	cancel := socket.reconnectCancel
	socket.reconnectCancel = nil
	dispatch := socket.dispatch
	socket.dispatch = nil
	socket.lock.Unlock()

	if cancel != nil {
		cancel()
	}

	socket.logger.Info().Str("reason", reason).Msg("disconnecting")
	socket.transportClosed(nil, NewError(ConnectionLostError, reason))

	if dispatch != nil {
		dispatch.close()
	}
	return nil
}

// Channel returns the channel for a topic, creating and registering it
// on first request. A later call for the same topic returns the same
// channel and ignores the config argument.
func (socket *Socket) Channel(topic string, config ...ChannelConfig) *Channel {
	socket.lock.Lock()
	defer socket.lock.Unlock()

	if existing, exists := socket.channels[topic]; exists {
		return existing
	}

	channelConfig := ChannelConfig{}
	if len(config) > 0 {
		channelConfig = config[0]
	}
	channel := &Channel{
		socket: socket,
		topic:  topic,
		config: channelConfig,
		state:  ChannelClosed,
	}
	socket.channels[topic] = channel
	return channel
}

// Send serializes and writes one envelope, assigning a fresh ref when
// absent. It never buffers: callers needing buffer-until-joined go
// through Channel.Push.
func (socket *Socket) Send(envelope *Envelope) error {
	socket.lock.Lock()
	if !socket.connected || socket.transport == nil {
		socket.lock.Unlock()
		return NewError(NotConnectedError, "no open transport")
	}
	if envelope.Ref == "" {
		envelope.Ref = socket.makeRefLocked()
	}
	frame, err := socket.codec.Encode(envelope)
	if err != nil {
		socket.lock.Unlock()
		return NewError(ProtocolError, err)
	}
	transport := socket.transport
	socket.lock.Unlock()

	if err := transport.Write(frame); err != nil {
		return NewError(ConnectionLostError, err)
	}
	return nil
}

// sendPush registers the push in the pending table, writes its frame,
// and arms its deadline. Fire-and-forget pushes skip the table and
// resolve ok once written.
func (socket *Socket) sendPush(push *Push) error {
	socket.lock.Lock()
	if !socket.connected || socket.transport == nil {
		socket.lock.Unlock()
		return NewError(NotConnectedError, "no open transport")
	}

	ref := push.Ref()
	if ref == "" {
		ref = socket.makeRefLocked()
		push.setRefs(ref, push.JoinRef())
	}

	envelope := &Envelope{
		JoinRef: push.JoinRef(),
		Ref:     ref,
		Topic:   push.topic,
		Event:   push.event,
		Payload: push.payload,
	}
	frame, err := socket.codec.Encode(envelope)
	if err != nil {
		socket.lock.Unlock()
		return NewError(ProtocolError, err)
	}

	transport := socket.transport
	if !push.fireForget {
		socket.pending[ref] = push
	}
	socket.lock.Unlock()

	if err := transport.Write(frame); err != nil {
		socket.lock.Lock()
		if socket.pending[ref] == push {
			delete(socket.pending, ref)
		}
		socket.lock.Unlock()
		return NewError(ConnectionLostError, err)
	}

	if push.fireForget {
		push.resolve(StatusOK, nil)
		return nil
	}
	push.startTimeout(socket.discardPending)
	return nil
}

func (socket *Socket) makeRefLocked() string {
	socket.nextRef++
	return strconv.FormatUint(socket.nextRef, 10)
}

// makeJoinRef mints the next join generation. Generations are strictly
// increasing for the socket's lifetime.
func (socket *Socket) makeJoinRef() string {
	socket.lock.Lock()
	defer socket.lock.Unlock()
	socket.nextJoinRef++
	return strconv.FormatUint(socket.nextJoinRef, 10)
}

// discardPending drops a push from the pending table after its deadline
// fired, so a late reply is treated as unmatched.
func (socket *Socket) discardPending(push *Push) {
	ref := push.Ref()
	if ref == "" {
		return
	}
	socket.lock.Lock()
	if socket.pending[ref] == push {
		delete(socket.pending, ref)
	}
	socket.lock.Unlock()
}

// resolveTopicPushes resolves every pending push addressed to a topic,
// except the one identified by exceptRef.
func (socket *Socket) resolveTopicPushes(topic string, exceptRef string, status string) {
	socket.lock.Lock()
	var matched []*Push
	for ref, push := range socket.pending {
		if push.topic == topic && ref != exceptRef {
			delete(socket.pending, ref)
			matched = append(matched, push)
		}
	}
	socket.lock.Unlock()

	for _, push := range matched {
		push.resolve(status, nil)
	}
}

func (socket *Socket) removeChannel(channel *Channel) {
	socket.lock.Lock()
	if socket.channels[channel.topic] == channel {
		delete(socket.channels, channel.topic)
	}
	socket.lock.Unlock()
}

// channelErrored schedules a delayed rejoin for a channel that errored
// while the socket stayed connected; after a connection loss the
// reconnect path rejoins instead.
func (socket *Socket) channelErrored(channel *Channel, reason string) {
	socket.logger.Warn().Str("topic", channel.topic).Str("reason", reason).Msg("channel errored")

	socket.lock.Lock()
	connected := socket.connected
	delay := socket.rejoinDelay
	socket.lock.Unlock()

	if !connected || delay <= 0 {
		return
	}
	channel.scheduleRejoin(delay)
}

func (socket *Socket) defaultTimeout() time.Duration {
	socket.lock.Lock()
	defer socket.lock.Unlock()
	return socket.pushTimeout
}

func (socket *Socket) authToken(ctx context.Context) (string, error) {
	socket.lock.Lock()
	tokens := socket.tokens
	socket.lock.Unlock()
	if tokens == nil {
		return "", nil
	}
	return tokens.CurrentToken(ctx)
}

// handleFrame is the transport's inbound entry point. Frames are decoded
// and either matched to a pending push (replies) or handed to the
// dispatcher for the owning channel. Undecodable frames are dropped; the
// connection stays open.
func (socket *Socket) handleFrame(frame []byte) {
	socket.lock.Lock()
	codec := socket.codec
	socket.lock.Unlock()

	envelope, err := codec.Decode(frame)
	if err != nil {
		socket.logger.Warn().Err(err).Msg("dropping malformed frame")
		return
	}

	if envelope.Event == EventReply {
		socket.resolveReply(envelope)
		return
	}

	socket.lock.Lock()
	channel := socket.channels[envelope.Topic]
	dispatch := socket.dispatch
	socket.lock.Unlock()

	if channel == nil {
		socket.logger.Debug().Str("topic", envelope.Topic).Str("event", envelope.Event).Msg("no channel for inbound event")
		return
	}
	if dispatch != nil {
		dispatch.enqueue(dispatchItem{channel: channel, envelope: envelope})
	}
}

func (socket *Socket) resolveReply(envelope *Envelope) {
	socket.lock.Lock()
	push, exists := socket.pending[envelope.Ref]
	if exists {
		delete(socket.pending, envelope.Ref)
	}
	channel := socket.channels[envelope.Topic]
	socket.lock.Unlock()

	if !exists {
		socket.logger.Debug().Str("ref", envelope.Ref).Str("topic", envelope.Topic).Msg("reply without a pending push")
		return
	}

	// Replies from a superseded join generation must not resolve
	// anything; the heartbeat topic has no channel and no generation.
	if channel != nil && !channel.acceptsReply(envelope.JoinRef) {
		socket.logger.Debug().Str("topic", envelope.Topic).Str("join_ref", envelope.JoinRef).Msg("discarding stale-generation reply")
		return
	}

	reply := decodeReply(envelope.Payload)
	push.resolve(reply.Status, reply.Response)
}

func (socket *Socket) dispatchLoop(queue *_DispatchQueue) {
	for {
		item, ok := queue.waitDequeue()
		if !ok {
			return
		}
		item.channel.dispatchEvent(item.envelope)
	}
}

func (socket *Socket) heartbeatLoop(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		socket.lock.Lock()
		if !socket.connected {
			socket.lock.Unlock()
			return
		}
		previous := socket.heartbeat
		threshold := socket.heartbeatMisses
		current := socket.transport
		if previous != nil && !previous.IsResolved() {
			socket.missed++
			missed := socket.missed
			socket.lock.Unlock()

			socket.logger.Warn().Int("missed", missed).Msg("heartbeat reply overdue")
			if missed >= threshold {
				socket.transportClosed(current, NewError(ConnectionLostError, "heartbeat timeout"))
				return
			}
			continue
		}
		socket.missed = 0
		socket.lock.Unlock()

		push := newPush(TopicHeartbeat, EventHeartbeat, nil, 0)
		socket.lock.Lock()
		socket.heartbeat = push
		socket.lock.Unlock()

		if err := socket.sendPush(push); err != nil {
			socket.logger.Warn().Err(err).Msg("heartbeat send failed")
		}
	}
}

// transportClosed tears down the current transport session: every
// pending push resolves as disconnected, every channel moves to errored,
// and unless the close was requested by the owner a reconnect loop
// starts. A non-nil owner must still be the current transport; events
// from a superseded transport are ignored. Disconnect passes nil to
// force the teardown.
func (socket *Socket) transportClosed(owner Transport, cause error) {
	socket.lock.Lock()
	if owner != nil && socket.transport != owner {
		socket.lock.Unlock()
		return
	}
	if socket.transport == nil && !socket.connected {
		socket.lock.Unlock()
		return
	}
	transport := socket.transport
	socket.transport = nil
	socket.connected = false
	manual := socket.manual
	pending := socket.pending
	socket.pending = make(map[string]*Push)
	socket.heartbeat = nil
	if socket.heartbeatStop != nil {
		close(socket.heartbeatStop)
		socket.heartbeatStop = nil
	}
	sessionID := socket.sessionID
	channels := make([]*Channel, 0, len(socket.channels))
	for _, channel := range socket.channels {
		channels = append(channels, channel)
	}
	socket.lock.Unlock()

	if transport != nil {
		_ = transport.Close()
	}

	for _, push := range pending {
		push.resolve(StatusDisconnected, nil)
	}
	for _, channel := range channels {
		channel.socketClosed()
	}

	socket.logger.Warn().Str("session", sessionID).Err(cause).Msg("connection lost")

	if !manual {
		socket.scheduleReconnect()
	}
}

// scheduleReconnect starts the reconnect loop; at most one loop runs at
// a time and it keeps trying until a connect succeeds or the owner
// disconnects.
func (socket *Socket) scheduleReconnect() {
	if !socket.reconnecting.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	socket.lock.Lock()
	socket.reconnectCancel = cancel
	strategy := socket.strategy
	socket.lock.Unlock()

	go func() {
		defer func() {
			socket.reconnecting.Store(false)
			socket.lock.Lock()
			socket.reconnectCancel = nil
			socket.lock.Unlock()
			cancel()
		}()

		for {
			wait := time.Second
			if strategy != nil {
				wait = strategy.NextDelay()
			}
			if wait > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			} else if ctx.Err() != nil {
				return
			}

			err := socket.ConnectContext(ctx)
			if err == nil {
				return
			}
			if ctx.Err() != nil {
				return
			}
			// A manual Connect during the backoff ends the episode.
			if socket.IsConnected() {
				return
			}
			socket.logger.Warn().Err(err).Msg("reconnect attempt failed")
		}
	}()
}

func buildConnectURL(endpoint string, vsn string, token string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", NewError(InvalidURIError, err)
	}

	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", NewError(InvalidURIError, "scheme must be ws, wss, http, or https")
	}

	query := parsed.Query()
	query.Set("vsn", vsn)
	if token != "" {
		query.Set("token", token)
	}
	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}
