package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	up := Upgrader()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(up, w, r, time.Second)
		if err != nil {
			t.Errorf("Accept() failed: %v", err)
			return
		}
		defer conn.Close()
		for {
			msg, err := conn.Receive()
			if err != nil {
				return
			}
			if string(msg) == "bye" {
				return
			}
			if err := conn.Send(msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConn_SendReceive(t *testing.T) {
	srv := echoServer(t)

	conn, err := Dial(context.Background(), wsURL(srv), time.Second)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close()

	for _, msg := range []string{"Bskipper", "D3", "U1:AACAPw=="} {
		if err := conn.Send([]byte(msg)); err != nil {
			t.Fatalf("Send(%q) failed: %v", msg, err)
		}
		got, err := conn.Receive()
		if err != nil {
			t.Fatalf("Receive() failed: %v", err)
		}
		if string(got) != msg {
			t.Errorf("Receive() = %q, want %q", got, msg)
		}
	}
}

func TestConn_ConcurrentSend(t *testing.T) {
	srv := echoServer(t)

	conn, err := Dial(context.Background(), wsURL(srv), time.Second)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := conn.Send([]byte("D1")); err != nil {
				t.Errorf("Send() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		got, err := conn.Receive()
		if err != nil {
			t.Fatalf("Receive() %d failed: %v", i, err)
		}
		if string(got) != "D1" {
			t.Fatalf("frame %d = %q, messages were interleaved", i, got)
		}
	}
}

func TestConn_PeerClose(t *testing.T) {
	srv := echoServer(t)

	conn, err := Dial(context.Background(), wsURL(srv), time.Second)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close()

	if err := conn.Send([]byte("bye")); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if _, err := conn.Receive(); !errors.Is(err, ErrClosed) {
		t.Errorf("Receive() after peer close error = %v, want ErrClosed", err)
	}
}

func TestConn_CloseTwice(t *testing.T) {
	srv := echoServer(t)

	conn, err := Dial(context.Background(), wsURL(srv), time.Second)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	first := conn.Close()
	if second := conn.Close(); second != first {
		t.Errorf("second Close() = %v, want %v", second, first)
	}
	if err := conn.Send([]byte("D1")); err == nil {
		t.Error("Send() after Close() expected error but got none")
	}
}

func TestDial_Refused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Dial(ctx, "ws://127.0.0.1:1/", time.Second); err == nil {
		t.Error("Dial() to a closed port expected error but got none")
	}
}
