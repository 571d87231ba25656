// Package cluster provides a read-only snapshot of the timer cluster: the
// local node's address, the ordered list of every node's address, each
// node's bloom-filter hash token, and the HTTP bind port timer URLs embed.
//
// A View never talks to the network: membership and gossip are explicitly
// out of scope here. cmd/timerd builds one View from
// static configuration at startup and hands it to every component that
// needs to reason about placement.
package cluster

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// View is an immutable snapshot of the cluster's addressing state. All
// methods return copies, never references into the View's own storage, so
// callers cannot mutate cluster state out from under concurrent readers.
type View struct {
	local    string
	bindPort int
	addrs    []string
	hashes   map[string]uint64
}

// New builds a View from a local address, bind port and the full ordered
// list of cluster node addresses (including the local one). Addresses are
// sorted so that every node in the cluster builds the same ordering from
// the same input set, independent of how the list was discovered.
func New(local string, bindPort int, addrs []string) *View {
	sorted := make([]string, len(addrs))
	copy(sorted, addrs)
	sort.Strings(sorted)

	hashes := make(map[string]uint64, len(sorted))
	for i, a := range sorted {
		hashes[a] = hashToken(a, i)
	}

	return &View{
		local:    local,
		bindPort: bindPort,
		addrs:    sorted,
		hashes:   hashes,
	}
}

// hashToken derives a node's bloom-filter hash: a 64-bit value with a
// single set bit. For clusters of 64 nodes or fewer every node gets its own
// bit, keyed on its position in the sorted address list, so tokens never
// collide. Beyond 64 nodes there are more nodes than bits: the bit is
// chosen from the xxhash of the node's address instead, so placement stays
// deterministic even though two distant nodes may now share a bit. Low
// Hamming weight keeps `(replica_hash & node_hash) == node_hash` a tight
// membership test.
func hashToken(addr string, index int) uint64 {
	if index < 64 {
		return uint64(1) << uint(index)
	}
	return uint64(1) << (xxhash.Sum64String(addr) % 64)
}

// LocalAddress returns this node's own cluster address.
func (v *View) LocalAddress() string {
	return v.local
}

// BindPort returns the HTTP port timer URLs are built against.
func (v *View) BindPort() int {
	return v.bindPort
}

// Addresses returns a copy of the ordered list of every node's address.
func (v *View) Addresses() []string {
	out := make([]string, len(v.addrs))
	copy(out, v.addrs)
	return out
}

// Size returns the number of nodes in the cluster.
func (v *View) Size() int {
	return len(v.addrs)
}

// Hash returns the bloom-filter hash token for addr, and whether addr is a
// known cluster member.
func (v *View) Hash(addr string) (uint64, bool) {
	h, ok := v.hashes[addr]
	return h, ok
}

// AddressAt returns the address at the given position in the deterministic
// cluster ordering, wrapping modulo Size(). Used by replica placement.
func (v *View) AddressAt(i int) string {
	n := len(v.addrs)
	if n == 0 {
		panic(fmt.Sprintf("cluster.View.AddressAt(%d): empty cluster", i))
	}
	return v.addrs[((i%n)+n)%n]
}
