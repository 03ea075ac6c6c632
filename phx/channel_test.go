package phx

import (
	"context"
	"encoding/json"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestChannelReturnsSameInstancePerTopic(t *testing.T) {
	socket, _ := newTestSocket(t)

	first := socket.Channel("room:lobby")
	second := socket.Channel("room:lobby", ChannelConfig{BroadcastAck: true})
	if first != second {
		t.Fatalf("expected the same channel instance for a repeated topic")
	}
	if first.config.BroadcastAck {
		t.Fatalf("config of a later call must be ignored")
	}
}

func TestConcurrentJoinSendsOneFrame(t *testing.T) {
	socket, dialer := newTestSocket(t)
	channel := socket.Channel("room:lobby")

	var wg sync.WaitGroup
	pushes := make([]*Push, 8)
	for i := range pushes {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			pushes[index] = channel.Join()
		}(i)
	}
	wg.Wait()

	for _, push := range pushes[1:] {
		if push != pushes[0] {
			t.Fatalf("concurrent joins must share one join push")
		}
	}

	transport := dialer.transport(-1)
	joins := 0
	for _, envelope := range transport.envelopes(t) {
		if envelope.Event == EventJoin {
			joins++
		}
	}
	if joins != 1 {
		t.Fatalf("expected exactly one join frame, got %d", joins)
	}

	transport.serverReply(t, "room:lobby", pushes[0].JoinRef(), pushes[0].Ref(), StatusOK, "")
	if channel.State() != ChannelJoined {
		t.Fatalf("channel state = %s, want joined", channel.State())
	}
	if channel.Join() != pushes[0] {
		t.Fatalf("join after success must return the original join push")
	}
}

func TestPushWhileJoiningBuffersUntilJoined(t *testing.T) {
	socket, dialer := newTestSocket(t)
	channel := socket.Channel("room:lobby")
	join := channel.Join()

	push, err := channel.Push("new_msg", json.RawMessage(`{"body":"hi"}`))
	if err != nil {
		t.Fatalf("push while joining: %v", err)
	}

	transport := dialer.transport(-1)
	if got := transport.frameCount(); got != 1 {
		t.Fatalf("buffered push must not hit the wire before the join; %d frames written", got)
	}

	transport.serverReply(t, "room:lobby", join.JoinRef(), join.Ref(), StatusOK, "")

	envelope := transport.lastEnvelope(t)
	if envelope.Event != "new_msg" {
		t.Fatalf("flushed event = %q, want new_msg", envelope.Event)
	}
	if envelope.JoinRef != join.JoinRef() {
		t.Fatalf("flushed push join_ref = %q, want the successful generation %q", envelope.JoinRef, join.JoinRef())
	}

	transport.serverReply(t, "room:lobby", envelope.JoinRef, envelope.Ref, StatusOK, `{"id":1}`)
	if reply := push.Reply(); reply.Status != StatusOK {
		t.Fatalf("push status = %q, want ok", reply.Status)
	}
}

func TestBufferedPushesFlushBeforeJoinedIsObservable(t *testing.T) {
	socket, dialer := newTestSocket(t)
	channel := socket.Channel("room:lobby")
	join := channel.Join()

	if _, err := channel.Push("first", nil); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := channel.Push("second", nil); err != nil {
		t.Fatalf("push: %v", err)
	}

	// Any observer that sees the joined state must also see the buffered
	// pushes already on the wire.
	transport := dialer.transport(-1)
	framesAtJoined := make(chan int, 1)
	go func() {
		for channel.State() != ChannelJoined {
			runtime.Gosched()
		}
		framesAtJoined <- transport.frameCount()
	}()

	transport.serverReply(t, "room:lobby", join.JoinRef(), join.Ref(), StatusOK, "")

	if frames := <-framesAtJoined; frames < 3 {
		t.Fatalf("state observable as joined with only %d frames written", frames)
	}
	envelopes := transport.envelopes(t)
	if envelopes[1].Event != "first" || envelopes[2].Event != "second" {
		t.Fatalf("flush order %q, %q; want first, second", envelopes[1].Event, envelopes[2].Event)
	}
}

func TestPushOnUnjoinedChannelFails(t *testing.T) {
	socket, _ := newTestSocket(t)
	channel := socket.Channel("room:lobby")

	if _, err := channel.Push("new_msg", nil); err == nil {
		t.Fatalf("expected an error pushing on a closed channel")
	} else if !strings.Contains(err.Error(), "ChannelUnavailableError") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJoinRejectedMovesChannelToErrored(t *testing.T) {
	socket, dialer := newTestSocket(t)
	channel := socket.Channel("room:private")
	join := channel.Join()

	dialer.transport(-1).serverReply(t, "room:private", join.JoinRef(), join.Ref(), StatusError, `{"reason":"unauthorized"}`)

	if reply := join.Reply(); reply.Status != StatusError {
		t.Fatalf("join status = %q, want error", reply.Status)
	}
	if channel.State() != ChannelErrored {
		t.Fatalf("channel state = %s, want errored", channel.State())
	}
}

func TestBroadcastFireAndForget(t *testing.T) {
	socket, dialer := newTestSocket(t)
	channel := joinTestChannel(t, socket, dialer, "room:lobby")

	push, err := channel.Broadcast("shout", json.RawMessage(`{"body":"hi"}`))
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if !push.IsResolved() {
		t.Fatalf("fire-and-forget broadcast must resolve once written")
	}
	if reply := push.Reply(); reply.Status != StatusOK {
		t.Fatalf("broadcast status = %q, want ok", reply.Status)
	}

	// A server reply against the broadcast's ref finds no pending push.
	transport := dialer.transport(-1)
	envelope := transport.lastEnvelope(t)
	transport.serverReply(t, "room:lobby", envelope.JoinRef, envelope.Ref, StatusError, "")
	if reply := push.Reply(); reply.Status != StatusOK {
		t.Fatalf("late reply must not overwrite the broadcast's resolution")
	}
}

func TestBroadcastWithAckAwaitsReply(t *testing.T) {
	socket, dialer := newTestSocket(t)
	channel := joinTestChannel(t, socket, dialer, "room:lobby", ChannelConfig{BroadcastAck: true})

	transport := dialer.transport(-1)
	join := transport.envelopeFor(t, EventJoin)
	if !strings.Contains(string(join.Payload), `"ack":true`) {
		t.Fatalf("join payload %s should request broadcast acks", join.Payload)
	}

	push, err := channel.Broadcast("shout", json.RawMessage(`{"body":"hi"}`))
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if push.IsResolved() {
		t.Fatalf("acked broadcast must wait for the server reply")
	}

	envelope := transport.lastEnvelope(t)
	transport.serverReply(t, "room:lobby", envelope.JoinRef, envelope.Ref, StatusOK, "")
	if reply := push.Reply(); reply.Status != StatusOK {
		t.Fatalf("broadcast status = %q, want ok", reply.Status)
	}
}

func TestLeaveResolvesOutstandingPushesAsLeft(t *testing.T) {
	socket, dialer := newTestSocket(t)
	channel := joinTestChannel(t, socket, dialer, "room:lobby")

	outstanding, err := channel.Push("new_msg", nil)
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	leave := channel.Leave()
	transport := dialer.transport(-1)
	if envelope := transport.envelopeFor(t, EventLeave); envelope.JoinRef != leave.JoinRef() {
		t.Fatalf("leave join_ref = %q, want %q", envelope.JoinRef, leave.JoinRef())
	}
	transport.serverReply(t, "room:lobby", leave.JoinRef(), leave.Ref(), StatusOK, "")

	if reply := leave.Reply(); reply.Status != StatusOK {
		t.Fatalf("leave status = %q, want ok", reply.Status)
	}
	if reply := outstanding.Reply(); reply.Status != StatusLeft {
		t.Fatalf("outstanding push status = %q, want left", reply.Status)
	}
	if channel.State() != ChannelClosed {
		t.Fatalf("channel state = %s, want closed", channel.State())
	}
	if socket.Channel("room:lobby") == channel {
		t.Fatalf("a left channel must be forgotten by the socket")
	}
}

func TestEventBindingsDispatchInOrder(t *testing.T) {
	socket, dialer := newTestSocket(t)
	channel := joinTestChannel(t, socket, dialer, "room:lobby")

	var lock sync.Mutex
	var order []string
	record := func(tag string) func(*Envelope) {
		return func(*Envelope) {
			lock.Lock()
			order = append(order, tag)
			lock.Unlock()
		}
	}

	channel.On("new_msg", record("first"))
	subscription := channel.On("new_msg", record("second"))
	channel.On("other", record("other"))

	dialer.transport(-1).serverEvent(t, "room:lobby", "", "", "new_msg", json.RawMessage(`{"body":"hi"}`))

	waitFor(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(order) == 2
	})
	lock.Lock()
	if order[0] != "first" || order[1] != "second" {
		t.Fatalf("callback order = %v, want [first second]", order)
	}
	lock.Unlock()

	subscription.Cancel()
	subscription.Cancel()
	if channel.BindingCount() != 2 {
		t.Fatalf("binding count after cancel = %d, want 2", channel.BindingCount())
	}

	channel.Off("new_msg")
	if channel.BindingCount() != 1 {
		t.Fatalf("binding count after off = %d, want 1", channel.BindingCount())
	}
}

func TestRemoteErrorFailsOutstandingPushes(t *testing.T) {
	socket, dialer := newTestSocket(t)
	channel := joinTestChannel(t, socket, dialer, "room:lobby")

	outstanding, err := channel.Push("new_msg", nil)
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	dialer.transport(-1).serverEvent(t, "room:lobby", "", "", EventError, json.RawMessage(`{}`))

	waitFor(t, func() bool { return channel.State() == ChannelErrored })
	waitFor(t, outstanding.IsResolved)
	if reply := outstanding.Reply(); reply.Status != StatusError {
		t.Fatalf("outstanding push status = %q, want error", reply.Status)
	}
}

func TestRemoteCloseForgetsChannel(t *testing.T) {
	socket, dialer := newTestSocket(t)
	channel := joinTestChannel(t, socket, dialer, "room:lobby")

	dialer.transport(-1).serverEvent(t, "room:lobby", channel.CurrentJoinRef(), "", EventClose, json.RawMessage(`{}`))

	waitFor(t, func() bool { return channel.State() == ChannelClosed })
	waitFor(t, func() bool { return socket.Channel("room:lobby") != channel })

	// A close stamped with a superseded generation is ignored.
	replacement := joinTestChannel(t, socket, dialer, "room:lobby")
	dialer.transport(-1).serverEvent(t, "room:lobby", "999", "", EventClose, json.RawMessage(`{}`))
	time.Sleep(10 * time.Millisecond)
	if replacement.State() != ChannelJoined {
		t.Fatalf("stale close changed channel state to %s", replacement.State())
	}
}

func TestStaleGenerationReplyIsDiscarded(t *testing.T) {
	socket, dialer := newTestSocket(t)
	channel := joinTestChannel(t, socket, dialer, "room:lobby")

	push, err := channel.Push("new_msg", nil)
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	dialer.transport(-1).serverReply(t, "room:lobby", "999", push.Ref(), StatusOK, "")
	if push.IsResolved() {
		t.Fatalf("a reply from another join generation must not resolve the push")
	}
}

func TestReconnectRejoinsWithFreshGeneration(t *testing.T) {
	socket, dialer := newTestSocket(t)
	channel := joinTestChannel(t, socket, dialer, "room:lobby")
	firstGeneration := channel.CurrentJoinRef()

	outstanding, err := channel.Push("new_msg", nil)
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	dialer.transport(0).dropConnection()

	if reply := outstanding.Reply(); reply.Status != StatusDisconnected {
		t.Fatalf("outstanding push status = %q, want disconnected", reply.Status)
	}
	if channel.State() != ChannelErrored {
		t.Fatalf("channel state = %s, want errored", channel.State())
	}

	waitFor(t, func() bool { return dialer.dialCount() == 2 })
	transport := dialer.transport(1)
	waitFor(t, func() bool { return transport.frameCount() >= 1 })

	rejoin := transport.envelopeFor(t, EventJoin)
	previous, _ := strconv.Atoi(firstGeneration)
	current, _ := strconv.Atoi(rejoin.JoinRef)
	if current <= previous {
		t.Fatalf("rejoin generation %q must exceed the previous %q", rejoin.JoinRef, firstGeneration)
	}

	transport.serverReply(t, "room:lobby", rejoin.JoinRef, rejoin.Ref, StatusOK, "")
	waitFor(t, func() bool { return channel.State() == ChannelJoined })
	if channel.CurrentJoinRef() != rejoin.JoinRef {
		t.Fatalf("channel generation = %q, want %q", channel.CurrentJoinRef(), rejoin.JoinRef)
	}
}

func TestLeftChannelDoesNotRejoinAfterReconnect(t *testing.T) {
	socket, dialer := newTestSocket(t)
	channel := joinTestChannel(t, socket, dialer, "room:lobby")

	leave := channel.Leave()
	dialer.transport(-1).serverReply(t, "room:lobby", leave.JoinRef(), leave.Ref(), StatusOK, "")
	if channel.State() != ChannelClosed {
		t.Fatalf("channel state = %s, want closed", channel.State())
	}

	dialer.transport(0).dropConnection()
	waitFor(t, func() bool { return dialer.dialCount() == 2 })

	time.Sleep(10 * time.Millisecond)
	if got := dialer.transport(1).frameCount(); got != 0 {
		t.Fatalf("a left channel must not rejoin; %d frames written", got)
	}
}

func TestPresenceEventsMaintainChannelState(t *testing.T) {
	socket, dialer := newTestSocket(t)
	channel := joinTestChannel(t, socket, dialer, "room:lobby")

	var lock sync.Mutex
	var joined, left []string
	channel.OnPresenceJoin(func(delta PresenceState) {
		lock.Lock()
		for key := range delta {
			joined = append(joined, key)
		}
		lock.Unlock()
	})
	channel.OnPresenceLeave(func(delta PresenceState) {
		lock.Lock()
		for key := range delta {
			left = append(left, key)
		}
		lock.Unlock()
	})

	transport := dialer.transport(-1)
	transport.serverEvent(t, "room:lobby", "", "", EventPresenceState,
		json.RawMessage(`{"u1":{"metas":[{"online_at":"t1"}]}}`))
	waitFor(t, func() bool { return len(channel.PresenceList()) == 1 })

	transport.serverEvent(t, "room:lobby", "", "", EventPresenceDiff,
		json.RawMessage(`{"joins":{"u2":{"metas":[{"online_at":"t2"}]}},"leaves":{"u1":{"metas":[{"online_at":"t1"}]}}}`))
	waitFor(t, func() bool {
		state := channel.PresenceList()
		_, exists := state["u2"]
		return len(state) == 1 && exists
	})

	lock.Lock()
	defer lock.Unlock()
	if len(joined) != 2 || len(left) != 1 {
		t.Fatalf("presence notifications: joins %v leaves %v", joined, left)
	}
}

func TestTrackSendsPresencePayloadWithStableKey(t *testing.T) {
	socket, dialer := newTestSocket(t)
	channel := joinTestChannel(t, socket, dialer, "room:lobby", ChannelConfig{PresenceKey: "user-1"})

	if _, err := channel.Track(json.RawMessage(`{"device":"cli"}`)); err != nil {
		t.Fatalf("track: %v", err)
	}
	transport := dialer.transport(-1)
	track := transport.lastEnvelope(t)
	if track.Event != "presence_track" {
		t.Fatalf("track event = %q", track.Event)
	}
	if !strings.Contains(string(track.Payload), `"key":"user-1"`) {
		t.Fatalf("track payload %s missing the configured key", track.Payload)
	}

	if _, err := channel.Untrack(); err != nil {
		t.Fatalf("untrack: %v", err)
	}
	untrack := transport.lastEnvelope(t)
	if untrack.Event != "presence_untrack" {
		t.Fatalf("untrack event = %q", untrack.Event)
	}
	if !strings.Contains(string(untrack.Payload), `"key":"user-1"`) {
		t.Fatalf("untrack payload %s must reuse the tracking key", untrack.Payload)
	}
}

func TestTrackMintsStablePresenceKeyWhenUnset(t *testing.T) {
	socket, dialer := newTestSocket(t)
	channel := joinTestChannel(t, socket, dialer, "room:lobby")

	if _, err := channel.Track(json.RawMessage(`{"device":"cli"}`)); err != nil {
		t.Fatalf("track: %v", err)
	}
	transport := dialer.transport(-1)
	var track struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(transport.lastEnvelope(t).Payload, &track); err != nil {
		t.Fatalf("track payload: %v", err)
	}
	if track.Key == "" {
		t.Fatalf("an unset presence key must be minted on first track")
	}

	if _, err := channel.Untrack(); err != nil {
		t.Fatalf("untrack: %v", err)
	}
	var untrack struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(transport.lastEnvelope(t).Payload, &untrack); err != nil {
		t.Fatalf("untrack payload: %v", err)
	}
	if untrack.Key != track.Key {
		t.Fatalf("untrack key %q differs from the minted key %q", untrack.Key, track.Key)
	}
}

func TestJoinPayloadCarriesParamsAndToken(t *testing.T) {
	dialer := &fakeDialer{}
	socket := NewSocket("ws://localhost:4000/socket").
		SetDialer(dialer.dial).
		SetHeartbeatInterval(time.Hour).
		SetTokenProvider(StaticToken("secret-token")).
		SetReconnectDelayStrategy(NewFixedDelayStrategy(time.Millisecond))
	if err := socket.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = socket.Disconnect("test finished") })

	channel := socket.Channel("room:lobby", ChannelConfig{Params: json.RawMessage(`{"nick":"ada"}`)})
	channel.Join()

	join := dialer.transport(-1).envelopeFor(t, EventJoin)
	var payload struct {
		Params json.RawMessage `json:"params"`
		Token  string          `json:"access_token"`
	}
	if err := json.Unmarshal(join.Payload, &payload); err != nil {
		t.Fatalf("join payload: %v", err)
	}
	if string(payload.Params) != `{"nick":"ada"}` {
		t.Fatalf("join params = %s", payload.Params)
	}
	if payload.Token != "secret-token" {
		t.Fatalf("join token = %q", payload.Token)
	}
}

func TestBufferedPushKeepsItsDeadline(t *testing.T) {
	socket, dialer := newTestSocket(t)
	channel := socket.Channel("room:lobby")
	channel.Join()

	push, err := channel.Push("new_msg", nil, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := push.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if reply.Status != StatusTimeout {
		t.Fatalf("buffered push status = %q, want timeout", reply.Status)
	}

	// The flush after a late join skips the already timed-out push.
	join := channel.Join()
	dialer.transport(-1).serverReply(t, "room:lobby", join.JoinRef(), join.Ref(), StatusOK, "")
	for _, envelope := range dialer.transport(-1).envelopes(t) {
		if envelope.Event == "new_msg" {
			t.Fatalf("timed-out buffered push must not be flushed")
		}
	}
}
