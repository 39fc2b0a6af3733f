package engine

import "time"

// TimerID is a handle to a timer in a TimerList. The zero value is the nil handle:
// every operation on it is a no-op. A handle goes stale once its timer is removed,
// and stale handles are no-ops too, even after the slot is reused.
type TimerID struct {
	idx int32
	gen uint32
}

var NilTimer TimerID

func (id TimerID) IsNil() bool { return id.gen == 0 }

const nilIdx = -1

type timerNode struct {
	expire     time.Time
	prev, next int32
	owner      int // back-reference to whatever the timer guards, not owned
	gen        uint32
	live       bool
}

// TimerList keeps timers sorted by ascending expiry in a doubly linked list laid
// over an arena; links are arena indices. It is not safe for concurrent use:
// only the reactor goroutine touches it.
type TimerList struct {
	nodes      []timerNode
	free       []int32
	head, tail int32
	n          int
}

func NewTimerList() *TimerList {
	return &TimerList{head: nilIdx, tail: nilIdx}
}

func (l *TimerList) Len() int { return l.n }

// Add creates a timer for owner expiring at expire and links it in order.
func (l *TimerList) Add(owner int, expire time.Time) TimerID {
	var idx int32
	if k := len(l.free); k > 0 {
		idx = l.free[k-1]
		l.free = l.free[:k-1]
	} else {
		l.nodes = append(l.nodes, timerNode{})
		idx = int32(len(l.nodes) - 1)
	}

	nd := &l.nodes[idx]
	nd.gen++
	if nd.gen == 0 { // wrapped; 0 is reserved for NilTimer
		nd.gen = 1
	}
	nd.expire = expire
	nd.owner = owner
	nd.live = true
	nd.prev, nd.next = nilIdx, nilIdx

	l.insert(idx, l.head)
	l.n++
	return TimerID{idx: idx, gen: nd.gen}
}

// insert links a detached node, scanning forward from `from`.
// Appending after the tail is O(1); since expiries are now + constant that is the usual case.
func (l *TimerList) insert(idx, from int32) {
	nd := &l.nodes[idx]
	if l.head == nilIdx {
		l.head, l.tail = idx, idx
		return
	}
	if !nd.expire.Before(l.nodes[l.tail].expire) {
		nd.prev = l.tail
		l.nodes[l.tail].next = idx
		l.tail = idx
		return
	}
	if from == nilIdx || nd.expire.Before(l.nodes[l.head].expire) {
		from = l.head
		if nd.expire.Before(l.nodes[from].expire) {
			nd.next = from
			l.nodes[from].prev = idx
			l.head = idx
			return
		}
	}

	// first node strictly later than nd; equal expiries keep insertion order
	cur := from
	for cur != nilIdx && !nd.expire.Before(l.nodes[cur].expire) {
		cur = l.nodes[cur].next
	}
	// cur cannot be nil here: nd is earlier than the tail
	prev := l.nodes[cur].prev
	nd.prev, nd.next = prev, cur
	l.nodes[cur].prev = idx
	if prev == nilIdx {
		l.head = idx
	} else {
		l.nodes[prev].next = idx
	}
}

func (l *TimerList) unlink(idx int32) {
	nd := &l.nodes[idx]
	switch {
	case idx == l.head && idx == l.tail:
		l.head, l.tail = nilIdx, nilIdx
	case idx == l.head:
		l.head = nd.next
		l.nodes[l.head].prev = nilIdx
	case idx == l.tail:
		l.tail = nd.prev
		l.nodes[l.tail].next = nilIdx
	default:
		l.nodes[nd.prev].next = nd.next
		l.nodes[nd.next].prev = nd.prev
	}
	nd.prev, nd.next = nilIdx, nilIdx
}

func (l *TimerList) lookup(id TimerID) (int32, bool) {
	if id.IsNil() || id.idx < 0 || int(id.idx) >= len(l.nodes) {
		return 0, false
	}
	nd := &l.nodes[id.idx]
	if !nd.live || nd.gen != id.gen {
		return 0, false
	}
	return id.idx, true
}

// Renew moves the timer's expiry to expire and restores order.
// Renewals only push expiry later, so the timer is re-linked scanning forward from
// its old successor and never looks behind its old position. An earlier expiry
// falls back to a scan from the head.
func (l *TimerList) Renew(id TimerID, expire time.Time) {
	idx, ok := l.lookup(id)
	if !ok {
		return
	}
	nd := &l.nodes[idx]
	later := !expire.Before(nd.expire)
	nd.expire = expire

	next := nd.next
	if later && (next == nilIdx || expire.Before(l.nodes[next].expire)) {
		return // still in order
	}
	if !later {
		l.unlink(idx)
		l.insert(idx, nilIdx)
		return
	}
	l.unlink(idx)
	l.insert(idx, next)
}

// Remove detaches and discards the timer. Nil or stale handles are ignored.
func (l *TimerList) Remove(id TimerID) {
	idx, ok := l.lookup(id)
	if !ok {
		return
	}
	l.release(idx)
}

func (l *TimerList) release(idx int32) {
	l.unlink(idx)
	nd := &l.nodes[idx]
	nd.live = false
	nd.owner = 0
	l.free = append(l.free, idx)
	l.n--
}

// expiry reports a live timer's expiry.
func (l *TimerList) expiry(id TimerID) (time.Time, bool) {
	idx, ok := l.lookup(id)
	if !ok {
		return time.Time{}, false
	}
	return l.nodes[idx].expire, true
}

// Tick evicts every timer whose expiry is not after now, in expiry order.
// Each timer is removed from the list before evict sees its owner, so evict may
// call Remove with the old handle harmlessly. Scanning stops at the first
// unexpired timer. Returns the number evicted.
func (l *TimerList) Tick(now time.Time, evict func(owner int)) int {
	count := 0
	for l.head != nilIdx {
		idx := l.head
		if now.Before(l.nodes[idx].expire) {
			break
		}
		owner := l.nodes[idx].owner
		l.release(idx)
		count++
		if evict != nil {
			evict(owner)
		}
	}
	return count
}

// Each visits live timers from the earliest expiry, stopping when fn returns false.
func (l *TimerList) Each(fn func(id TimerID, owner int, expire time.Time) bool) {
	for idx := l.head; idx != nilIdx; idx = l.nodes[idx].next {
		nd := &l.nodes[idx]
		if !fn(TimerID{idx: idx, gen: nd.gen}, nd.owner, nd.expire) {
			return
		}
	}
}
