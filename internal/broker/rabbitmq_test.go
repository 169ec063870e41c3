package broker

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestAMQPConfigDefaults(t *testing.T) {
	cfg := amqpConfig(context.Background(), RabbitMQConfig{Heartbeat: 5 * time.Second, Locale: "en_US"})
	if cfg.Heartbeat != 5*time.Second {
		t.Errorf("Heartbeat = %v", cfg.Heartbeat)
	}
	if cfg.Properties != nil {
		t.Errorf("expected no properties without a connection name, got %v", cfg.Properties)
	}
	if cfg.ChannelMax != 0 || cfg.FrameSize != 0 {
		t.Errorf("expected library defaults, got channelMax=%d frameSize=%d", cfg.ChannelMax, cfg.FrameSize)
	}
	if cfg.Dial == nil {
		t.Error("expected a context aware dial function")
	}
}

func TestAMQPConfigOverrides(t *testing.T) {
	cfg := amqpConfig(context.Background(), RabbitMQConfig{
		ConnectionName: "publisher",
		ChannelMax:     16,
		FrameSize:      4096,
	})
	if cfg.Properties["connection_name"] != "publisher" {
		t.Errorf("connection_name = %v", cfg.Properties["connection_name"])
	}
	if cfg.ChannelMax != 16 {
		t.Errorf("ChannelMax = %d", cfg.ChannelMax)
	}
	if cfg.FrameSize != 4096 {
		t.Errorf("FrameSize = %d", cfg.FrameSize)
	}
}

func TestNewDialerInvalidScheme(t *testing.T) {
	_, err := NewDialer(RabbitMQConfig{}).Dial(context.Background(), "http://localhost:5672")
	if err == nil {
		t.Fatal("expected error for non amqp scheme")
	}
}

func TestNewDialerUnreachableHost(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping dial test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewDialer(RabbitMQConfig{ConnectionName: "test"}).Dial(ctx, "amqp://invalid:5672")
	if err == nil {
		t.Fatal("expected error for unreachable host")
	}
}

func TestDialFunc(t *testing.T) {
	var got string
	d := DialFunc(func(_ context.Context, url string) (Connection, error) {
		got = url
		return nil, ErrMockFailure
	})
	if _, err := d.Dial(context.Background(), "amqp://x"); err != ErrMockFailure {
		t.Fatalf("err = %v", err)
	}
	if got != "amqp://x" {
		t.Fatalf("url = %q", got)
	}
}

// silentListener accepts TCP connections and never speaks AMQP.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		var conns []net.Conn
		for {
			conn, err := ln.Accept()
			if err != nil {
				for _, c := range conns {
					_ = c.Close()
				}
				return
			}
			conns = append(conns, conn)
		}
	}()
	return ln.Addr().String()
}

func TestAMQPConfigDialSetsDeadline(t *testing.T) {
	addr := silentListener(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	conn, err := amqpConfig(ctx, RabbitMQConfig{}).Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	done := make(chan error, 1)
	go func() {
		_, err := conn.Read(make([]byte, 1))
		done <- err
	}()

	select {
	case err := <-done:
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			t.Fatalf("read = %v, want a deadline timeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("read blocked past the context deadline")
	}
}

func TestNewDialerHandshakeHonoursContext(t *testing.T) {
	addr := silentListener(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := NewDialer(RabbitMQConfig{}).Dial(ctx, "amqp://guest:guest@"+addr+"/")
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected the stalled handshake to fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dial blocked past the context deadline")
	}
}
