package bus

import (
	"context"
	"net"
	"testing"

	"github.com/nats-io/nats.go"

	"inkup/pkg/schema"
)

func TestConnectFailsWithoutServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := Connect("nats://"+addr, "inkup-test", "tryon.generation"); err == nil {
		t.Fatalf("expected connect error for %s", addr)
	}
}

func TestConnectOptionsCarryName(t *testing.T) {
	for _, name := range []string{"inkup-api", "inkup-worker"} {
		opts := nats.GetDefaultOptions()
		for _, apply := range connectOptions(name) {
			if err := apply(&opts); err != nil {
				t.Fatalf("apply option: %v", err)
			}
		}
		if opts.Name != name {
			t.Fatalf("connection name = %q, want %q", opts.Name, name)
		}
		if opts.MaxReconnect != -1 {
			t.Fatalf("max reconnect = %d, want -1", opts.MaxReconnect)
		}
	}
}

func TestNotifyHonorsCanceledContext(t *testing.T) {
	c := &Client{prefix: "tryon.generation"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Notify(ctx, schema.GenerationEvent{JobID: "x", Stage: schema.StageCompleted}); err == nil {
		t.Fatalf("expected context error")
	}
}
