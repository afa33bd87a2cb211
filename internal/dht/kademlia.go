// Package dht implements the Kademlia-style routing table duskmesh uses to
// point clients toward nearby chat holders, and the pure replication-group
// computation chat state depends on (spec §4.4).
//
// Membership in a replication group is deterministic given a registry
// snapshot — see ReplicationGroup — so the routing table's job is locality,
// not membership discovery: a relay can use FindNode/Lookup to tell a
// client which known peer is nearest a key, without that peer necessarily
// being authoritative for it.
package dht

import (
	"encoding/hex"
	"math/big"
	"sort"
	"sync/atomic"
)

// IDSize is the width of a DHT id, in bytes (32-byte SHA-256 of an
// identity or a chat name, per spec §3).
const IDSize = 32

// ID is a node or key id in the DHT keyspace.
type ID [IDSize]byte

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Distance returns the XOR distance between a and b as a big-endian
// magnitude, matching Kademlia's metric.
func Distance(a, b ID) *big.Int {
	var out [IDSize]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return new(big.Int).SetBytes(out[:])
}

// prefixLen returns the number of leading bits a and b share — the
// standard Kademlia bucket index for a.
func prefixLen(a, b ID) int {
	for i := 0; i < IDSize; i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if x&(1<<uint(bit)) != 0 {
				return i*8 + (7 - bit)
			}
		}
	}
	return IDSize * 8
}

// Peer is a routing-table entry: an identity reachable at address.
type Peer struct {
	ID      ID
	Address string
}

// BucketSize is Kademlia's per-bucket capacity (spec §4.4: b=20).
const BucketSize = 20

// numBuckets is IDSize*8 - one bucket per possible shared-prefix length,
// plus the (self, self) impossible case folded into the last bucket.
const numBuckets = IDSize*8 + 1

// bucket is a least-recently-seen-evicted list of up to BucketSize peers.
// Freshly-contacted peers move to the back; a full bucket drops its
// front (staleest) entry before admitting a new one, Kademlia's standard
// policy for resisting naive churn-based eviction attacks.
type bucket struct {
	peers []Peer // front = least recently seen, back = most recently seen
}

func (b *bucket) upsert(p Peer) {
	for i, existing := range b.peers {
		if existing.ID == p.ID {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			b.peers = append(b.peers, p)
			return
		}
	}
	if len(b.peers) >= BucketSize {
		b.peers = b.peers[1:]
	}
	b.peers = append(b.peers, p)
}

// Table is an immutable snapshot of a node's k-bucket routing table.
// Updates build a new Table and atomically swap it in (spec §5: routing
// table is read-mostly, copy-on-write).
type Table struct {
	self    ID
	buckets [numBuckets]bucket
}

// NewTable creates an empty table centered on self.
func NewTable(self ID) *Table {
	return &Table{self: self}
}

func (t *Table) clone() *Table {
	cp := &Table{self: t.self}
	for i := range t.buckets {
		cp.buckets[i].peers = append([]Peer(nil), t.buckets[i].peers...)
	}
	return cp
}

// bucketIndex returns which bucket a peer id falls in relative to self.
func (t *Table) bucketIndex(id ID) int {
	if id == t.self {
		return numBuckets - 1
	}
	return prefixLen(t.self, id)
}

// WithObserved returns a new Table with p inserted or refreshed. Used from
// (i) the registry snapshot on boot, (ii) observed peers during traffic,
// (iii) periodic refresh (spec §4.4).
func (t *Table) WithObserved(p Peer) *Table {
	cp := t.clone()
	idx := cp.bucketIndex(p.ID)
	cp.buckets[idx].upsert(p)
	return cp
}

// FindNode returns up to BucketSize peers from the table closest to
// target, sorted nearest-first.
func (t *Table) FindNode(target ID) []Peer {
	all := make([]Peer, 0, BucketSize*4)
	for i := range t.buckets {
		all = append(all, t.buckets[i].peers...)
	}
	sortByDistance(all, target)
	if len(all) > BucketSize {
		all = all[:BucketSize]
	}
	return all
}

func sortByDistance(peers []Peer, target ID) {
	sort.Slice(peers, func(i, j int) bool {
		return Distance(peers[i].ID, target).Cmp(Distance(peers[j].ID, target)) < 0
	})
}

// Lookup performs an iterative closest-peers lookup against a node lookup
// function (normally a network FIND_NODE RPC); it starts from the local
// table and converges on the r closest peers to target that it has
// learned of. alpha bounds how many peers are queried per round; they are
// queried one after another, not concurrently.
func Lookup(t *Table, target ID, r int, alpha int, findNode func(Peer, ID) []Peer) []Peer {
	if alpha < 1 {
		alpha = 3
	}
	seen := map[ID]Peer{}
	for _, p := range t.FindNode(target) {
		seen[p.ID] = p
	}

	queried := map[ID]bool{}
	for {
		candidates := make([]Peer, 0, len(seen))
		for _, p := range seen {
			if !queried[p.ID] {
				candidates = append(candidates, p)
			}
		}
		sortByDistance(candidates, target)
		if len(candidates) == 0 {
			break
		}
		if len(candidates) > alpha {
			candidates = candidates[:alpha]
		}

		progressed := false
		for _, c := range candidates {
			queried[c.ID] = true
			for _, found := range findNode(c, target) {
				if _, ok := seen[found.ID]; !ok {
					seen[found.ID] = found
					progressed = true
				}
			}
		}
		if !progressed {
			break
		}
	}

	out := make([]Peer, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	sortByDistance(out, target)
	if len(out) > r {
		out = out[:r]
	}
	return out
}

// Handle is an atomically-swappable pointer to the current Table, giving
// readers a consistent snapshot without locking across a suspension point.
type Handle struct {
	p atomic.Pointer[Table]
}

// NewHandle wraps an initial table.
func NewHandle(t *Table) *Handle {
	h := &Handle{}
	h.p.Store(t)
	return h
}

// Load returns the current table snapshot.
func (h *Handle) Load() *Table { return h.p.Load() }

// Observe publishes a new table with p merged in.
func (h *Handle) Observe(p Peer) {
	for {
		cur := h.p.Load()
		next := cur.WithObserved(p)
		if h.p.CompareAndSwap(cur, next) {
			return
		}
	}
}
