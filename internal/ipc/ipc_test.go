package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rileywarren/codex-swarm/internal/eventbus"
	"github.com/rileywarren/codex-swarm/internal/model"
)

func dialClient(t *testing.T, socketPath string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial: %v", err)
	return nil
}

func readFrame(t *testing.T, r *bufio.Reader, terminator string) model.IPCMessage {
	t.Helper()
	raw, err := readUntilSentinel(r, []byte(terminator))
	if err != nil {
		t.Fatalf("readUntilSentinel: %v", err)
	}
	var msg model.IPCMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return msg
}

func TestServer_RequestResponseRoundtrip(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "codex-swarm.sock")
	bus := eventbus.New()

	handler := func(ctx context.Context, msg model.IPCMessage) *model.IPCMessage {
		if msg.Type != "check_workers" {
			return nil
		}
		reply := msg.ID
		return &model.IPCMessage{
			Type:      "response",
			Payload:   map[string]any{"workers": []any{}},
			ID:        "reply-1",
			Timestamp: timestamp(),
			ReplyTo:   &reply,
		}
	}

	srv := New(socketPath, "", bus, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	conn := dialClient(t, socketPath)
	defer conn.Close()

	req := model.IPCMessage{Type: "check_workers", ID: "abc", Timestamp: timestamp()}
	body, _ := json.Marshal(req)
	if _, err := conn.Write(append(body, []byte(defaultTerminator)...)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := readFrame(t, bufio.NewReader(conn), defaultTerminator)
	if reply.Type != "response" || reply.ReplyTo == nil || *reply.ReplyTo != "abc" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestServer_MalformedInputGetsErrorNotDisconnect(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "codex-swarm.sock")
	bus := eventbus.New()
	srv := New(socketPath, "", bus, func(ctx context.Context, msg model.IPCMessage) *model.IPCMessage { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	conn := dialClient(t, socketPath)
	defer conn.Close()

	if _, err := conn.Write([]byte("not json" + defaultTerminator)); err != nil {
		t.Fatalf("write malformed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := readFrame(t, bufio.NewReader(conn), defaultTerminator)
	if reply.Type != "error" {
		t.Fatalf("expected error reply, got %+v", reply)
	}

	req := model.IPCMessage{Type: "noop", ID: "still-alive", Timestamp: timestamp()}
	body, _ := json.Marshal(req)
	if _, err := conn.Write(append(body, []byte(defaultTerminator)...)); err != nil {
		t.Fatalf("connection should remain open after malformed input: %v", err)
	}
}

func TestServer_BroadcastsNonLogBusEvents(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "codex-swarm.sock")
	bus := eventbus.New()
	srv := New(socketPath, "", bus, func(ctx context.Context, msg model.IPCMessage) *model.IPCMessage { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	conn := dialClient(t, socketPath)
	defer conn.Close()
	time.Sleep(50 * time.Millisecond) // let the client register before publishing

	bus.Publish(model.NewRuntimeEvent("log", map[string]any{"msg": "should not arrive"}))
	bus.Publish(model.NewRuntimeEvent("worker.status", map[string]any{"worker_id": "w1"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame := readFrame(t, bufio.NewReader(conn), defaultTerminator)
	if frame.Type != "event" {
		t.Fatalf("expected event frame, got %+v", frame)
	}
	if frame.Payload["event_type"] != "worker.status" {
		t.Fatalf("expected worker.status event (log events must be filtered), got %v", frame.Payload["event_type"])
	}
}
