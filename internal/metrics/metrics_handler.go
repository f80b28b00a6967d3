// Package metrics turns collector measurements into structured log events
// and hands them to registered consumers such as the CloudWatch publisher.
package metrics

import (
	"sync"
	"time"

	"tickerflow/logger"
)

// Metric is one structured metric event.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// Handler consumes emitted metrics. Handlers run synchronously on the
// emitting goroutine in registration order.
type Handler func(Metric)

// HandlerID identifies a registration; zero is never issued.
type HandlerID uint64

type registration struct {
	id     HandlerID
	handle Handler
}

type registry struct {
	mu      sync.RWMutex
	lastID  HandlerID
	entries []registration
}

var handlers = &registry{}

func (r *registry) add(h Handler) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastID++
	r.entries = append(r.entries, registration{id: r.lastID, handle: h})
	return r.lastID
}

func (r *registry) remove(id HandlerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

func (r *registry) current() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handler, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.handle
	}
	return out
}

// RegisterHandler subscribes h to every emitted metric. A nil handler is
// ignored and yields zero.
func RegisterHandler(h Handler) HandlerID {
	if h == nil {
		return 0
	}
	return handlers.add(h)
}

// UnregisterHandler removes the registration id. Unknown ids are ignored.
func UnregisterHandler(id HandlerID) {
	if id == 0 {
		return
	}
	handlers.remove(id)
}

// EmitMetric logs one metric line and passes the event to every handler.
// Events without a name are dropped; an empty type means "counter".
func EmitMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	event := Metric{
		Timestamp: timeNow(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    make(logger.Fields, len(fields)),
	}
	line := make(logger.Fields, len(fields)+3)
	for k, v := range fields {
		event.Fields[k] = v
		line[k] = v
	}
	line["metric"] = name
	line["metric_type"] = metricType
	line["value"] = value

	log.WithComponent(component).WithFields(line).Info("metric")

	for _, h := range handlers.current() {
		h(event)
	}
}
