package listener

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/serialmgr/internal/driver"
)

// MaxCollectorSize guards against accidental misconfiguration.
const MaxCollectorSize uint32 = 1024 * 1024

// Record is one captured event. Payload is nil for status events.
type Record struct {
	Kind    driver.EventKind `json:"kind"`
	Payload []byte           `json:"payload,omitempty"`
	At      time.Time        `json:"at"`
}

// CollectorMetrics are lock-free counters.
type CollectorMetrics struct {
	Recorded    int64 `json:"recorded"`
	Overwritten int64 `json:"overwritten"`
	Errors      int64 `json:"errors"`
}

// Collector keeps the most recent events in an overwrite-oldest ring.
type Collector struct {
	buffer mpmc.RichOverlappedRingBuffer[Record]

	recorded    atomic.Int64
	overwritten atomic.Int64
	errors      atomic.Int64
}

func NewCollector(size uint32) (*Collector, error) {
	if size == 0 {
		return nil, fmt.Errorf("collector size must be > 0")
	}
	if size > MaxCollectorSize {
		return nil, fmt.Errorf("collector size %d exceeds maximum %d", size, MaxCollectorSize)
	}
	return &Collector{buffer: mpmc.NewOverlappedRingBuffer[Record](size)}, nil
}

func (c *Collector) OnStatusChanged(code driver.EventKind) error {
	return c.put(Record{Kind: code, At: time.Now()})
}

func (c *Collector) OnMessageReceived(payload []byte) error {
	return c.put(Record{Kind: driver.EventMessageAvailable, Payload: payload, At: time.Now()})
}

func (c *Collector) put(rec Record) error {
	overwrites, err := c.buffer.EnqueueM(rec)
	if err != nil {
		c.errors.Add(1)
		return fmt.Errorf("collector enqueue: %w", err)
	}
	c.overwritten.Add(int64(overwrites))
	c.recorded.Add(1)
	return nil
}

// Drain removes and returns the buffered records, oldest first.
func (c *Collector) Drain() []Record {
	var out []Record
	for !c.buffer.IsEmpty() {
		rec, err := c.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, rec)
	}
	return out
}

func (c *Collector) Metrics() CollectorMetrics {
	return CollectorMetrics{
		Recorded:    c.recorded.Load(),
		Overwritten: c.overwritten.Load(),
		Errors:      c.errors.Load(),
	}
}
