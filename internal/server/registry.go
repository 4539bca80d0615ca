package server

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Sender delivers one encoded message to a connection
type Sender interface {
	Send(data []byte) error
}

// Peer is a vehicle that completed its handshake
type Peer struct {
	Index int
	Name  string
	conn  Sender
}

// NewPeer binds a vehicle to its connection
func NewPeer(index int, name string, conn Sender) *Peer {
	return &Peer{Index: index, Name: name, conn: conn}
}

// Send writes one message to the peer
func (p *Peer) Send(data []byte) error {
	return p.conn.Send(data)
}

// Registry is the set of live vehicles and the index allocator
type Registry struct {
	peers   map[int]*Peer
	next    int
	pending int // handshakes holding an index but not yet joined
	mu      sync.Mutex

	// announce serializes membership changes together with their announcements.
	// Sends made under it are bounded by the connection write deadline.
	// Lock order: announce, then a connection's write lock.
	announce sync.Mutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{peers: make(map[int]*Peer)}
}

// Allocate hands out the next vehicle index to a starting handshake
func (r *Registry) Allocate() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	index := r.next
	r.next++
	r.pending++
	return index
}

// Join calls introduce with the vehicles that are live, in index order, then adds
// the peer. No other join or leave is announced while introduce runs, so a newcomer
// never hears of a departure before the arrival it belongs to. The peer is added
// even when introduce fails; the caller is expected to Leave.
func (r *Registry) Join(p *Peer, introduce func(others []*Peer) error) ([]*Peer, error) {
	r.announce.Lock()
	defer r.announce.Unlock()

	r.mu.Lock()
	others := r.snapshot(-1)
	r.mu.Unlock()

	var err error
	if introduce != nil {
		err = introduce(others)
	}

	r.mu.Lock()
	r.peers[p.Index] = p
	r.pending--
	r.mu.Unlock()
	return others, err
}

// Abandon gives up an index whose handshake failed before joining
func (r *Registry) Abandon() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending--
	r.resetIfIdle()
}

// Leave removes a vehicle, calls farewell with the remaining ones and returns them.
// farewell is serialized with the introductions of Join.
func (r *Registry) Leave(index int, farewell func(remaining []*Peer)) []*Peer {
	r.announce.Lock()
	defer r.announce.Unlock()

	r.mu.Lock()
	delete(r.peers, index)
	r.resetIfIdle()
	remaining := r.snapshot(-1)
	r.mu.Unlock()

	if farewell != nil {
		farewell(remaining)
	}
	return remaining
}

// Others returns every live vehicle except the given one
func (r *Registry) Others(index int) []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(index)
}

// Len returns the number of live vehicles
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// caller holds the lock
func (r *Registry) resetIfIdle() {
	if len(r.peers) == 0 && r.pending == 0 && r.next != 0 {
		log.Debug().Msg("no vehicles left, resetting index counter")
		r.next = 0
	}
}

// caller holds the lock
func (r *Registry) snapshot(except int) []*Peer {
	peers := make([]*Peer, 0, len(r.peers))
	for index, p := range r.peers {
		if index != except {
			peers = append(peers, p)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Index < peers[j].Index })
	return peers
}

// broadcast sends data to every peer in parallel. A failed send is logged and
// counted, never retried, and does not stop delivery to the others.
func broadcast(peers []*Peer, data []byte) (sent, failed int) {
	if len(peers) == 0 {
		return 0, 0
	}

	errs := make([]error, len(peers))
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func(i int, p *Peer) {
			defer wg.Done()
			errs[i] = p.Send(data)
		}(i, p)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			failed++
			log.Warn().Err(err).Int("vehicle", peers[i].Index).Str("name", peers[i].Name).Msg("failed to send to peer")
			continue
		}
		sent++
	}
	return sent, failed
}
