package kafka

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

type pendingOffset struct {
	msg  kafka.Message
	done bool
}

// offsetTracker orders settled messages per partition. A commit only moves
// past offsets that are all settled, so a crash never skips unfinished work.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int][]*pendingOffset
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int][]*pendingOffset)}
}

// add registers a fetched message. Messages of a partition arrive in
// offset order.
func (o *offsetTracker) add(msg kafka.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.partitions[msg.Partition] = append(o.partitions[msg.Partition], &pendingOffset{msg: msg})
}

// settle marks msg done and returns the highest message that can now be
// committed, if any.
func (o *offsetTracker) settle(msg kafka.Message) (kafka.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue := o.partitions[msg.Partition]
	for _, p := range queue {
		if p.msg.Offset == msg.Offset {
			p.done = true
			break
		}
	}

	var commit kafka.Message
	advanced := false
	for len(queue) > 0 && queue[0].done {
		commit = queue[0].msg
		queue = queue[1:]
		advanced = true
	}
	if len(queue) == 0 {
		delete(o.partitions, msg.Partition)
	} else {
		o.partitions[msg.Partition] = queue
	}
	return commit, advanced
}

// pending counts messages not yet committed
func (o *offsetTracker) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, queue := range o.partitions {
		n += len(queue)
	}
	return n
}
