package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pgcoord"

var registry = prometheus.NewRegistry()

// Listener metrics
var (
	// NotificationsDelivered counts notifications handed to a subscription callback, by channel
	NotificationsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "listener",
		Name:      "notifications_delivered_total",
		Help:      "Notifications delivered to subscription callbacks.",
	}, []string{"channel"})

	// ActiveSubscriptions tracks subscriptions currently held in a registry
	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "listener",
		Name:      "active_subscriptions",
		Help:      "Subscriptions currently registered.",
	})

	// ConnectionErrors counts connection failures by component (listener, stream, lock)
	ConnectionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_errors_total",
		Help:      "Connection failures by component.",
	}, []string{"component"})

	// CallbackErrors counts failed callback invocations by component (listener, stream)
	CallbackErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "callback_errors_total",
		Help:      "Callback failures by component.",
	}, []string{"component"})
)

// Change stream metrics
var (
	// ChangeEventsDispatched counts change events handed to the stream callback
	ChangeEventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "events_dispatched_total",
		Help:      "Change events dispatched, by operation.",
	}, []string{"operation"})

	ParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "parse_errors_total",
		Help:      "Change records dropped because they could not be parsed.",
	})

	PollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "poll_errors_total",
		Help:      "Failed poll cycles.",
	})
)

// Lock metrics
var (
	// LockRequests counts advisory lock requests by op (acquire, try, release), mode and result
	LockRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "requests_total",
		Help:      "Advisory lock requests.",
	}, []string{"op", "mode", "result"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NotificationsDelivered,
		ActiveSubscriptions,
		ConnectionErrors,
		CallbackErrors,
		ChangeEventsDispatched,
		ParseErrors,
		PollErrors,
		LockRequests,
	)
}

// Registry returns the registry holding all the pgcoord collectors.
func Registry() *prometheus.Registry {
	return registry
}

func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func Result(ok bool) string {
	if ok {
		return "acquired"
	}
	return "not_acquired"
}
