// Package main implements fakephx, a deterministic stateful channels
// server for integration testing of the client. It speaks both the v1
// object and v2 positional array serializations, answers heartbeats,
// accepts and rejects joins, fans broadcasts out to topic subscribers,
// and maintains per-topic presence with state snapshots and diffs.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/gorilla/websocket"
)

type topicFlags []string

func (t *topicFlags) String() string { return fmt.Sprintf("%v", *t) }
func (t *topicFlags) Set(s string) error {
	*t = append(*t, s)
	return nil
}

var (
	flagAddr     = flag.String("addr", "127.0.0.1:4000", "listen address")
	flagPath     = flag.String("path", "/socket", "websocket mount path")
	flagToken    = flag.String("token", "", "if set, joins without this access_token are rejected")
	flagLatency  = flag.Duration("latency", 0, "artificial delay before each reply")
	flagLogConn  = flag.Bool("log-conn", true, "log connect/disconnect events")
	flagLogFrame = flag.Bool("log-frames", false, "log every inbound frame")
	flagEcho     = flag.Bool("echo", false, "deliver broadcasts back to the sender even without self configured")

	// Topics listed here reject every join with an unauthorized reason,
	// for exercising the client's error path.
	flagReject topicFlags
)

var (
	connectionsAccepted atomic.Uint64
	connectionsCurrent  atomic.Int64
)

func main() {
	flag.Var(&flagReject, "reject", "topic whose joins are always rejected (repeatable)")
	flag.Parse()

	registry := newTopicRegistry()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(*flagPath, func(writer http.ResponseWriter, request *http.Request) {
		conn, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			log.Printf("upgrade failed: %v", err)
			return
		}
		session := newSession(conn, request.URL.Query().Get("vsn"), registry)
		connectionsAccepted.Add(1)
		connectionsCurrent.Add(1)
		if *flagLogConn {
			log.Printf("connected %s (vsn=%s, total=%d)", conn.RemoteAddr(), session.vsn, connectionsAccepted.Load())
		}
		go session.run()
	})

	server := &http.Server{Addr: *flagAddr, Handler: mux}
	go func() {
		log.Printf("fakephx listening on ws://%s%s", *flagAddr, *flagPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	log.Printf("shutting down (%d connections open)", connectionsCurrent.Load())
	_ = server.Close()
}

func joinRejected(topic string) bool {
	for _, rejected := range flagReject {
		if rejected == topic {
			return true
		}
	}
	return strings.HasPrefix(topic, "rejected:")
}
