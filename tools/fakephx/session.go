package main

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// frame is the protocol envelope independent of serialization.
type frame struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload json.RawMessage
}

type objectFrame struct {
	JoinRef string          `json:"join_ref,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func decodeFrame(vsn string, data []byte) (*frame, error) {
	if vsn == "2.0.0" {
		var parts []json.RawMessage
		if err := json.Unmarshal(data, &parts); err != nil {
			return nil, err
		}
		decoded := &frame{}
		if len(parts) == 5 {
			decodeRef(parts[0], &decoded.JoinRef)
			decodeRef(parts[1], &decoded.Ref)
			_ = json.Unmarshal(parts[2], &decoded.Topic)
			_ = json.Unmarshal(parts[3], &decoded.Event)
			decoded.Payload = parts[4]
		}
		return decoded, nil
	}

	var decoded objectFrame
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, err
	}
	return &frame{
		JoinRef: decoded.JoinRef,
		Ref:     decoded.Ref,
		Topic:   decoded.Topic,
		Event:   decoded.Event,
		Payload: decoded.Payload,
	}, nil
}

func decodeRef(raw json.RawMessage, target *string) {
	if string(raw) == "null" {
		return
	}
	_ = json.Unmarshal(raw, target)
}

func encodeFrame(vsn string, envelope *frame) ([]byte, error) {
	payload := envelope.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if vsn == "2.0.0" {
		parts := [5]interface{}{
			nullable(envelope.JoinRef),
			nullable(envelope.Ref),
			envelope.Topic,
			envelope.Event,
			payload,
		}
		return json.Marshal(parts)
	}
	return json.Marshal(objectFrame{
		JoinRef: envelope.JoinRef,
		Ref:     envelope.Ref,
		Topic:   envelope.Topic,
		Event:   envelope.Event,
		Payload: payload,
	})
}

func nullable(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

type channelMembership struct {
	joinRef       string
	broadcastSelf bool
}

// session is one client connection: its serialization, its joined topics
// with their join generations, and a serialized writer.
type session struct {
	conn     *websocket.Conn
	vsn      string
	registry *topicRegistry

	lock   sync.Mutex
	joined map[string]*channelMembership
}

func newSession(conn *websocket.Conn, vsn string, registry *topicRegistry) *session {
	if vsn == "" {
		vsn = "1.0.0"
	}
	return &session{
		conn:     conn,
		vsn:      vsn,
		registry: registry,
		joined:   make(map[string]*channelMembership),
	}
}

func (s *session) run() {
	defer func() {
		s.registry.dropSession(s)
		_ = s.conn.Close()
		connectionsCurrent.Add(-1)
		if *flagLogConn {
			log.Printf("disconnected %s", s.conn.RemoteAddr())
		}
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if *flagLogFrame {
			log.Printf("<- %s", data)
		}

		envelope, err := decodeFrame(s.vsn, data)
		if err != nil {
			log.Printf("undecodable frame from %s: %v", s.conn.RemoteAddr(), err)
			continue
		}
		if *flagLatency > 0 {
			time.Sleep(*flagLatency)
		}
		s.handle(envelope)
	}
}

func (s *session) handle(envelope *frame) {
	switch envelope.Event {
	case "heartbeat":
		s.reply(envelope, "ok", nil)
	case "phx_join":
		s.handleJoin(envelope)
	case "phx_leave":
		s.handleLeave(envelope)
	case "presence_track":
		s.handleTrack(envelope)
	case "presence_untrack":
		s.handleUntrack(envelope)
	default:
		s.handleBroadcast(envelope)
	}
}

type joinOptions struct {
	Config struct {
		Broadcast struct {
			Ack  bool `json:"ack"`
			Self bool `json:"self"`
		} `json:"broadcast"`
	} `json:"config"`
	Token string `json:"access_token"`
}

func (s *session) handleJoin(envelope *frame) {
	var options joinOptions
	_ = json.Unmarshal(envelope.Payload, &options)

	if joinRejected(envelope.Topic) {
		s.reply(envelope, "error", json.RawMessage(`{"reason":"unauthorized"}`))
		return
	}
	if *flagToken != "" && options.Token != *flagToken {
		s.reply(envelope, "error", json.RawMessage(`{"reason":"invalid token"}`))
		return
	}

	s.lock.Lock()
	s.joined[envelope.Topic] = &channelMembership{
		joinRef:       envelope.JoinRef,
		broadcastSelf: options.Config.Broadcast.Self,
	}
	s.lock.Unlock()

	topic := s.registry.topic(envelope.Topic)
	topic.addSession(s)

	s.reply(envelope, "ok", nil)
	s.send(&frame{
		JoinRef: envelope.JoinRef,
		Topic:   envelope.Topic,
		Event:   "presence_state",
		Payload: topic.presenceSnapshot(),
	})
}

func (s *session) handleLeave(envelope *frame) {
	s.lock.Lock()
	delete(s.joined, envelope.Topic)
	s.lock.Unlock()

	s.registry.topic(envelope.Topic).removeSession(s)
	s.reply(envelope, "ok", nil)
}

func (s *session) handleBroadcast(envelope *frame) {
	s.lock.Lock()
	membership := s.joined[envelope.Topic]
	s.lock.Unlock()

	if membership == nil || membership.joinRef != envelope.JoinRef {
		s.send(&frame{
			JoinRef: envelope.JoinRef,
			Topic:   envelope.Topic,
			Event:   "phx_error",
			Payload: json.RawMessage(`{"reason":"not joined"}`),
		})
		return
	}

	self := membership.broadcastSelf || *flagEcho
	s.registry.topic(envelope.Topic).fanOut(s, self, envelope.Event, envelope.Payload)
	if envelope.Ref != "" {
		s.reply(envelope, "ok", nil)
	}
}

type trackRequest struct {
	Key  string          `json:"key"`
	Meta json.RawMessage `json:"meta"`
}

func (s *session) handleTrack(envelope *frame) {
	var request trackRequest
	if err := json.Unmarshal(envelope.Payload, &request); err != nil || request.Key == "" {
		s.reply(envelope, "error", json.RawMessage(`{"reason":"missing key"}`))
		return
	}
	s.registry.topic(envelope.Topic).track(s, request.Key, request.Meta)
	s.reply(envelope, "ok", nil)
}

func (s *session) handleUntrack(envelope *frame) {
	var request trackRequest
	if err := json.Unmarshal(envelope.Payload, &request); err != nil || request.Key == "" {
		s.reply(envelope, "error", json.RawMessage(`{"reason":"missing key"}`))
		return
	}
	s.registry.topic(envelope.Topic).untrack(s, request.Key)
	s.reply(envelope, "ok", nil)
}

func (s *session) reply(request *frame, status string, response json.RawMessage) {
	if len(response) == 0 {
		response = json.RawMessage("{}")
	}
	payload, err := json.Marshal(struct {
		Status   string          `json:"status"`
		Response json.RawMessage `json:"response"`
	}{Status: status, Response: response})
	if err != nil {
		return
	}
	s.send(&frame{
		JoinRef: request.JoinRef,
		Ref:     request.Ref,
		Topic:   request.Topic,
		Event:   "phx_reply",
		Payload: payload,
	})
}

// deliver sends a topic event stamped with this session's own join
// generation for the topic, so the client accepts it.
func (s *session) deliver(topic string, event string, payload json.RawMessage) {
	s.lock.Lock()
	membership := s.joined[topic]
	s.lock.Unlock()
	if membership == nil {
		return
	}
	s.send(&frame{
		JoinRef: membership.joinRef,
		Topic:   topic,
		Event:   event,
		Payload: payload,
	})
}

func (s *session) send(envelope *frame) {
	data, err := encodeFrame(s.vsn, envelope)
	if err != nil {
		log.Printf("encode failed: %v", err)
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("write to %s failed: %v", s.conn.RemoteAddr(), err)
	}
}
