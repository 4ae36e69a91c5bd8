// Package entries is the local key/value storage of a client region.
//
// Design
//
//   - Concurrency: a map is split into a power-of-two number of segments,
//     each protected by an RWMutex. Keys are routed by hash. Each segment
//     keeps a prime-sized array of bucket chains and rehashes into the next
//     prime above twice its size once the load factor passes 75%.
//
//   - Entries: a MapEntry holds its key, an immutable value slot (value,
//     Token, VersionStamp) that readers load atomically, the LRU bits and
//     access/modification times. The *MapEntry pointer is the entry handle;
//     it stays valid after removal and TestEvicted tells whether the map
//     still owns it.
//
//   - Versions: with Options.ConcurrencyChecks a VersionTag accompanies
//     each update and is checked against the entry's stamp; removed keys
//     stay behind as tombstones until ReapTombstones. Without checks,
//     AddTracker/RemoveTracker detect updates that race a remote call.
//
//   - LRU: LRUMap bounds the number of in-memory values with a CLOCK list
//     (package policy/clock). Victims are destroyed, invalidated or written
//     to an OverflowStore depending on Options.EvictionAction. Overflowed
//     values are read back on Get.
//
//   - Heap accounting: with Options.Sizer and Options.Heap the map reports
//     resident byte deltas; the heap controller calls EvictEntries when the
//     process is over budget.
//
// Basic usage
//
//	m := entries.NewLRU[string, []byte](entries.Options[string, []byte]{
//	    LRULimit:       10_000,
//	    EvictionAction: policy.LocalDestroy,
//	})
//	defer m.Close()
//	if _, err := m.Put("a", []byte("1"), entries.UpdateOptions[[]byte]{}); err != nil {
//	    return err
//	}
//	if v, _, ok := m.Get("a"); ok {
//	    _ = v
//	}
//
// All methods are safe for concurrent use.
package entries
