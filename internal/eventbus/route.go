package eventbus

// Strategy selects what a full subscriber buffer does with the next event.
type Strategy string

const (
	DropOldest Strategy = "drop-oldest"
	DropNewest Strategy = "drop-newest"
	// Spill parks events in a bounded FIFO drained into the subscriber
	// channel by a goroutine. Only when that FIFO is full does the oldest
	// buffered event get replaced.
	Spill Strategy = "spill"
)

// Route is the delivery configuration for one topic.
type Route struct {
	Buffer   int
	Strategy Strategy
	SpillCap int
}

const defaultSpillCap = 512

var fallbackRoute = Route{Buffer: 64, Strategy: DropOldest}

func defaultRoutes() map[Topic]Route {
	return map[Topic]Route{
		// Gauges derived from these drift if an event is lost.
		TopicDevicesLifecycle: {Buffer: 256, Strategy: Spill, SpillCap: defaultSpillCap},
		TopicSpeechLifecycle:  {Buffer: 256, Strategy: Spill, SpillCap: defaultSpillCap},

		TopicToolsReloaded: {Buffer: 64, Strategy: DropOldest},
		TopicDevicesConfig: {Buffer: 64, Strategy: DropOldest},

		// One event per device frame.
		TopicGatewayFrames: {Buffer: 1024, Strategy: DropNewest},
	}
}

func (r Route) normalized() Route {
	if r.Buffer <= 0 {
		r.Buffer = 1
	}
	if r.Strategy == "" {
		r.Strategy = DropOldest
	}
	if r.Strategy == Spill && r.SpillCap <= 0 {
		r.SpillCap = defaultSpillCap
	}
	return r
}
