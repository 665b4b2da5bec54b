package jobs

import (
	"slices"

	"golang.org/x/time/rate"
)

// channel is a named serialization lane: at most one running job, the rest
// wait in FIFO order.
type channel struct {
	name    string
	running *Job
	queue   []*Job

	// stallWarn throttles "channel stalled" warnings; a stalled channel is
	// re-examined on every unstall pass.
	stallWarn *rate.Limiter
}

func newChannel(name string, warnEvery rate.Limit) *channel {
	return &channel{name: name, stallWarn: rate.NewLimiter(warnEvery, 1)}
}

func (c *channel) queued(name string) *Job {
	for _, j := range c.queue {
		if j.name == name {
			return j
		}
	}
	return nil
}

// next returns the first queued job whose task name is not busy, removing it
// from the queue. Skipped jobs keep their position.
func (c *channel) next(busy func(name string) bool) *Job {
	for i, j := range c.queue {
		if busy(j.name) {
			continue
		}
		c.queue = slices.Delete(c.queue, i, i+1)
		return j
	}
	return nil
}

func (c *channel) snapshot() ChannelInfo {
	info := ChannelInfo{Name: c.name, Queued: make([]Info, 0, len(c.queue))}
	if c.running != nil {
		r := c.running.Info()
		info.Running = &r
	}
	for _, j := range c.queue {
		info.Queued = append(info.Queued, j.Info())
	}
	return info
}

// ChannelInfo is a point-in-time view of one channel.
type ChannelInfo struct {
	Name    string `json:"name"`
	Running *Info  `json:"running,omitempty"`
	Queued  []Info `json:"queued"`
}
