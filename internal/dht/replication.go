package dht

// RegistryPeer is the part of a registry entry (spec §6) the DHT needs:
// the node's identity and network address, enough to rank by XOR
// distance.
type RegistryPeer struct {
	ID      ID
	Address string
}

// ReplicationGroup returns the r nodes closest by XOR distance to key,
// computed purely from the registry snapshot (spec §4.5 glossary:
// "replication group"). It is deterministic given the snapshot — two
// nodes holding the same snapshot always compute the same group for the
// same key, independent of their local routing tables.
func ReplicationGroup(key ID, snapshot []RegistryPeer, r int) []Peer {
	out := make([]Peer, len(snapshot))
	for i, p := range snapshot {
		out[i] = Peer{ID: p.ID, Address: p.Address}
	}
	sortByDistance(out, key)
	if len(out) > r {
		out = out[:r]
	}
	return out
}

// InGroup reports whether self belongs to key's replication group given
// snapshot, the check a node runs before serving a lazy-pull request
// (spec §4.6: "it first verifies it should").
func InGroup(self ID, key ID, snapshot []RegistryPeer, r int) bool {
	for _, p := range ReplicationGroup(key, snapshot, r) {
		if p.ID == self {
			return true
		}
	}
	return false
}
