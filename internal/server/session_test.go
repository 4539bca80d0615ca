package server

import (
	"testing"
	"time"

	"github.com/saviobatista/regatta/internal/protocol"
	"github.com/saviobatista/regatta/internal/types"
)

func TestSession_JoinIntroducesBeforeDeparture(t *testing.T) {
	srv, err := New(testRace())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer srv.Close()

	x := NewPeer(srv.registry.Allocate(), "xray", &fakeSender{})
	srv.registry.Join(x, nil)

	joined := string(protocol.MustEncode(protocol.Joined{Index: x.Index, Name: x.Name}))
	death := string(protocol.MustEncode(protocol.Death{Index: x.Index}))

	left := make(chan struct{})
	conn := &hookConn{}
	conn.hook = func(data []byte) {
		if string(data) != joined {
			return
		}
		// the departing vehicle tears down while the newcomer is being introduced
		go func() {
			defer close(left)
			srv.registry.Leave(x.Index, func(remaining []*Peer) {
				broadcast(remaining, []byte(death))
			})
		}()
		time.Sleep(50 * time.Millisecond)
	}

	s := newSession(srv, conn)
	s.summary = &types.SessionSummary{SessionID: "session"}
	if err := s.join(srv.registry.Allocate(), "yankee"); err != nil {
		t.Fatalf("join() failed: %v", err)
	}
	<-left

	got := conn.texts()
	if born, died := position(got, joined), position(got, death); born < 0 || died < born {
		t.Errorf("newcomer received %q, want %q before %q", got, joined, death)
	}
	if srv.Registry().Len() != 1 {
		t.Errorf("Registry().Len() = %d, want only the newcomer", srv.Registry().Len())
	}
}
