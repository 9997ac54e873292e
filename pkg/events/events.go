package events

import (
	"strconv"
	"sync"
	"time"
)

// Topic identifies one of the bus's fixed set of typed channels.
type Topic string

const (
	TopicProcessStart   Topic = "process:start"
	TopicProcessStop    Topic = "process:stop"
	TopicProcessRestart Topic = "process:restart"
	TopicProcessExit    Topic = "process:exit"
	TopicProcessCrash   Topic = "process:crash"
	TopicProcessError   Topic = "process:error"

	TopicLogEntry Topic = "log:entry"

	TopicMetricProcess Topic = "metric:process"
	TopicSystemMetrics Topic = "system:metrics"

	TopicHealthFail    Topic = "health:fail"
	TopicHealthRestore Topic = "health:restore"

	TopicSystemShutdown     Topic = "system:shutdown"
	TopicSystemConfigReload Topic = "system:config-reload"

	TopicAgentJoin      Topic = "agent:join"
	TopicAgentHeartbeat Topic = "agent:heartbeat"
	TopicAgentMetrics   Topic = "agent:metrics"
	TopicAgentLeave     Topic = "agent:leave"

	TopicAgentConnected     Topic = "connected"
	TopicAgentDisconnected  Topic = "disconnected"
	TopicAgentReconnectFail Topic = "reconnect-failed"
	TopicAgentStopped       Topic = "stopped"
)

// Envelope wraps every emission delivered to the wildcard tap.
type Envelope struct {
	ID        string
	Type      Topic
	Source    string
	Timestamp time.Time
	Data      any
}

// Handler receives one emission on a topic.
type Handler func(data any)

// TapHandler receives every emission, on every topic, as an Envelope.
type TapHandler func(Envelope)

// Bus is a typed publish/subscribe broker. Subscribers on a topic are
// invoked synchronously in subscription order; a single Publish call
// does not return until every subscriber (and the wildcard tap) has
// been invoked. This is deliberate: components rely on event delivery
// completing before Publish returns (e.g. the plugin host's hook
// dispatch must run before the emitting operation proceeds).
type Bus struct {
	mu          sync.Mutex
	subscribers map[Topic][]Handler
	taps        []TapHandler
	nextID      uint64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Topic][]Handler),
	}
}

// Subscribe registers handler to run, in order, whenever topic is
// published.
func (b *Bus) Subscribe(topic Topic, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], handler)
}

// Tap registers a wildcard handler that receives every emission.
func (b *Bus) Tap(handler TapHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taps = append(b.taps, handler)
}

// Publish delivers data to every subscriber of topic, in subscription
// order, then to every wildcard tap, then returns. source identifies
// the emitting component for the envelope (e.g. "supervisor").
func (b *Bus) Publish(topic Topic, source string, data any) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	handlers := append([]Handler(nil), b.subscribers[topic]...)
	taps := append([]TapHandler(nil), b.taps...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}

	env := Envelope{
		ID:        strconv.FormatUint(id, 10),
		Type:      topic,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
	}
	for _, t := range taps {
		t(env)
	}
}
