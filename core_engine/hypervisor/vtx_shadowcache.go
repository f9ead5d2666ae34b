package hypervisor

import (
	"container/list"
	"fmt"
	"log"
)

// Shadow EPT and shadow VPID caches bound the memory and VPID-space
// cost of nested virtualization (spec.md §4.7, component I): L0 never
// builds more than a handful of shadow EPTs or hands out more than a
// handful of real VPIDs to cover however many L1-visible EPTPs/VPIDs a
// guest hypervisor juggles. Both are small fixed-capacity LRU caches,
// the same container/list-plus-map idiom used for bounded lookup
// caches throughout the corpus.
const (
	shadowEptCapacity  = 2
	shadowVpidCapacity = 16
)

// ShadowEptCache maps an L1-chosen EPTP value to the L0-built shadow
// Ept engine that actually backs L2's translations for it.
type ShadowEptCache struct {
	capacity int
	lru      *list.List
	index    map[uint64]*list.Element

	fd int
}

type shadowEptEntry struct {
	l1Eptp uint64
	ept    *Ept
}

func NewShadowEptCache(fd int) *ShadowEptCache {
	return &ShadowEptCache{
		capacity: shadowEptCapacity,
		lru:      list.New(),
		index:    make(map[uint64]*list.Element, shadowEptCapacity),
		fd:       fd,
	}
}

// Get returns the shadow Ept for l1Eptp if cached, marking it most
// recently used.
func (c *ShadowEptCache) Get(l1Eptp uint64) (*Ept, bool) {
	el, ok := c.index[l1Eptp]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*shadowEptEntry).ept, true
}

// Put installs a freshly built shadow Ept for l1Eptp, evicting the
// least-recently-used entry first if the cache is full. The evicted
// entry's EPT-tagged TLB state is invalidated via INVEPT before its
// pool pages are released, since a stale shadow-EPT mapping must never
// outlive the cache slot it came from.
func (c *ShadowEptCache) Put(l1Eptp uint64, ept *Ept) {
	if el, ok := c.index[l1Eptp]; ok {
		el.Value.(*shadowEptEntry).ept = ept
		c.lru.MoveToFront(el)
		return
	}

	if c.lru.Len() >= c.capacity {
		oldest := c.lru.Back()
		evicted := oldest.Value.(*shadowEptEntry)
		c.evict(evicted)
		c.lru.Remove(oldest)
		delete(c.index, evicted.l1Eptp)
	}

	el := c.lru.PushFront(&shadowEptEntry{l1Eptp: l1Eptp, ept: ept})
	c.index[l1Eptp] = el
}

func (c *ShadowEptCache) evict(entry *shadowEptEntry) {
	if err := DoVtxInvept(c.fd, 2 /* all-contexts */, entry.l1Eptp); err != nil {
		log.Printf("ShadowEptCache: INVEPT on eviction of 0x%x failed: %v", entry.l1Eptp, err)
	}
	for _, page := range entry.ept.pool {
		if err := FreePages(page); err != nil {
			log.Printf("ShadowEptCache: freeing evicted shadow EPT page failed: %v", err)
		}
	}
}

// Len reports the number of cached shadow EPTs, for tests.
func (c *ShadowEptCache) Len() int { return c.lru.Len() }

// Remove invalidates and drops the cached shadow Ept for l1Eptp, if
// any. L1 executing INVEPT for this EPTP means L0's shadow composed
// from it must not be reused as-is: the next shadowEptFor call rebuilds
// it from L1's EPT structures from scratch (spec.md §4.7's INVEPT
// contract). Reports whether an entry was present.
func (c *ShadowEptCache) Remove(l1Eptp uint64) bool {
	el, ok := c.index[l1Eptp]
	if !ok {
		return false
	}
	entry := el.Value.(*shadowEptEntry)
	c.evict(entry)
	c.lru.Remove(el)
	delete(c.index, entry.l1Eptp)
	return true
}

// RemoveAll invalidates and drops every cached shadow Ept, for
// INVEPT's all-contexts form.
func (c *ShadowEptCache) RemoveAll() {
	for _, l1Eptp := range c.keys() {
		c.Remove(l1Eptp)
	}
}

func (c *ShadowEptCache) keys() []uint64 {
	keys := make([]uint64, 0, len(c.index))
	for k := range c.index {
		keys = append(keys, k)
	}
	return keys
}

// ShadowVpidCache maps an L1-chosen {EPTP, VPID} pair to one of a
// small pool of real VPIDs L0 actually programs into VMCS02. The EPTP
// is part of the key because two L1 EPTPs may independently choose the
// same guest-visible VPID value — spec.md §3.3's shadow-VPID identity
// is the triple {guest_ep4ta, guest_vpid, real_vpid}, not the VPID
// alone. Real VPIDs are a scarce 16-bit-but-practically-small resource
// shared across every L2 guest on the physical CPU, so this cache
// recycles them the same way the EPT cache recycles shadow page-table
// memory.
type ShadowVpidCache struct {
	capacity int
	lru      *list.List
	index    map[shadowVpidKey]*list.Element
	nextReal uint16
	fd       int
}

type shadowVpidKey struct {
	l1Eptp uint64
	l1Vpid uint16
}

type shadowVpidEntry struct {
	key      shadowVpidKey
	realVpid uint16
}

func NewShadowVpidCache(fd int) *ShadowVpidCache {
	return &ShadowVpidCache{
		capacity: shadowVpidCapacity,
		lru:      list.New(),
		index:    make(map[shadowVpidKey]*list.Element, shadowVpidCapacity),
		nextReal: 0x10, // 0 is the host/L0's own VPID and the values below 0x10 are the per-vCPU L1 VPIDs.
		fd:       fd,
	}
}

// Assign returns the real VPID backing the {l1Eptp, l1Vpid} pair,
// allocating and installing one (evicting the LRU entry if the pool is
// exhausted) if not already cached.
func (c *ShadowVpidCache) Assign(l1Eptp uint64, l1Vpid uint16) uint16 {
	key := shadowVpidKey{l1Eptp: l1Eptp, l1Vpid: l1Vpid}
	if el, ok := c.index[key]; ok {
		c.lru.MoveToFront(el)
		return el.Value.(*shadowVpidEntry).realVpid
	}

	var real uint16
	if c.lru.Len() >= c.capacity {
		oldest := c.lru.Back()
		evicted := oldest.Value.(*shadowVpidEntry)
		if err := DoVtxInvvpid(c.fd, 2 /* single-context */, evicted.realVpid, 0); err != nil {
			log.Printf("ShadowVpidCache: INVVPID on eviction of real vpid %d failed: %v", evicted.realVpid, err)
		}
		real = evicted.realVpid
		c.lru.Remove(oldest)
		delete(c.index, evicted.key)
	} else {
		real = c.nextReal
		c.nextReal++
	}

	el := c.lru.PushFront(&shadowVpidEntry{key: key, realVpid: real})
	c.index[key] = el
	return real
}

// Len reports the number of cached VPID assignments, for tests.
func (c *ShadowVpidCache) Len() int { return c.lru.Len() }

// Remove invalidates and drops the cached real-VPID assignment for the
// {l1Eptp, l1Vpid} pair, if any. L1 executing INVVPID for this pair
// means the cached assignment must not silently survive the
// invalidation it was just handed: the next Assign call re-establishes
// it, consistent with the hardware INVVPID the caller already issued
// against the same real VPID. Reports whether an entry was present.
func (c *ShadowVpidCache) Remove(l1Eptp uint64, l1Vpid uint16) bool {
	key := shadowVpidKey{l1Eptp: l1Eptp, l1Vpid: l1Vpid}
	el, ok := c.index[key]
	if !ok {
		return false
	}
	c.lru.Remove(el)
	delete(c.index, key)
	return true
}

// RemoveAllForEptp drops every cached VPID assignment belonging to
// l1Eptp, for INVEPT's single-context form tearing down the shadow EPT
// for that one EPTP: every VPID assignment scoped to it becomes stale
// at the same time.
func (c *ShadowVpidCache) RemoveAllForEptp(l1Eptp uint64) {
	for key := range c.index {
		if key.l1Eptp == l1Eptp {
			c.Remove(key.l1Eptp, key.l1Vpid)
		}
	}
}

// RemoveAll drops every cached VPID assignment, for INVEPT's
// all-contexts form: every shadow EPTP it tears down takes its VPID
// assignments with it, not just the ones for one EPTP.
func (c *ShadowVpidCache) RemoveAll() {
	for key := range c.index {
		c.Remove(key.l1Eptp, key.l1Vpid)
	}
}

var errShadowCacheFull = fmt.Errorf("shadowcache: pool exhausted unexpectedly")
