// Package snowflake generates time-ordered 63-bit message ids. The high bits
// hold milliseconds since Epoch, so ordering by id is ordering by creation
// time with ties broken by the per-node sequence.
package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	nodeBits  = 10
	stepBits  = 12
	nodeMax   = -1 ^ (-1 << nodeBits)
	stepMask  = -1 ^ (-1 << stepBits)
	timeShift = nodeBits + stepBits
	nodeShift = stepBits

	// Epoch is 2024-01-01 00:00:00 UTC in unix milliseconds.
	Epoch int64 = 1704067200000
)

var ErrInvalidNode = errors.New("snowflake: node number must be between 0 and 1023")

type Node struct {
	mu   sync.Mutex
	now  func() int64
	time int64
	node int64
	step int64
}

func NewNode(node int64) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, ErrInvalidNode
	}
	return &Node{
		now:  func() int64 { return time.Now().UnixMilli() },
		node: node,
	}, nil
}

// Generate returns the next id. Ids from one node are strictly increasing.
func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if now < n.time {
		// clock moved backwards, keep issuing from the last seen millisecond
		now = n.time
	}

	if n.time == now {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			for now <= n.time {
				now = n.now()
			}
		}
	} else {
		n.step = 0
	}
	n.time = now

	return ((now - Epoch) << timeShift) | (n.node << nodeShift) | n.step
}

// Time extracts the creation instant encoded in id.
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + Epoch).UTC()
}

// NodeOf extracts the node number encoded in id.
func NodeOf(id int64) int64 {
	return (id >> nodeShift) & nodeMax
}
