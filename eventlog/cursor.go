package eventlog

import (
	"fmt"
	"strconv"
)

// cursor is a consumer group's position in a topic. Acked is the highest
// sequence such that every message up to it has been acknowledged; Done
// holds acknowledgements received out of order beyond that point.
type cursor struct {
	Acked uint64          `json:"acked"`
	Done  map[uint64]bool `json:"done,omitempty"`
}

func (c *cursor) pending(seq uint64) bool {
	return seq > c.Acked && !c.Done[seq]
}

func (c *cursor) ack(seq uint64) {
	if seq <= c.Acked {
		return
	}
	if c.Done == nil {
		c.Done = make(map[uint64]bool)
	}
	c.Done[seq] = true
	for c.Done[c.Acked+1] {
		delete(c.Done, c.Acked+1)
		c.Acked++
	}
}

func formatSeq(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

func parseSeq(id string) (uint64, error) {
	seq, err := strconv.ParseUint(id, 10, 64)
	if err != nil || seq == 0 {
		return 0, fmt.Errorf("eventlog: invalid message id %q", id)
	}
	return seq, nil
}
