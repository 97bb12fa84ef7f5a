package transport

import "sync"

// PartitionFilter is the per-node set of blocked peer ids. The peer client
// consults it before every outbound call, which simulates one-way packet loss
// from this node's perspective. This is a test hook, not a firewall.
type PartitionFilter struct {
	mx      sync.RWMutex
	blocked map[uint32]bool
}

func NewPartitionFilter() *PartitionFilter {
	return &PartitionFilter{
		blocked: make(map[uint32]bool),
	}
}

// Replace swaps the whole blocked set, as SetPartition does.
func (f *PartitionFilter) Replace(ids []uint32) {
	var next = make(map[uint32]bool, len(ids))
	for _, id := range ids {
		next[id] = true
	}

	f.mx.Lock()
	f.blocked = next
	f.mx.Unlock()
}

func (f *PartitionFilter) Blocked(id uint32) bool {
	f.mx.RLock()
	defer f.mx.RUnlock()
	return f.blocked[id]
}

func (f *PartitionFilter) Snapshot() []uint32 {
	f.mx.RLock()
	defer f.mx.RUnlock()

	var ids = make([]uint32, 0, len(f.blocked))
	for id := range f.blocked {
		ids = append(ids, id)
	}
	return ids
}
