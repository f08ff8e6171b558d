// Package telemetry wires Prometheus metrics and OpenTelemetry tracing into
// the HTTP server and the insuree services.
package telemetry

import (
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "insuree"

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Metrics holds the Prometheus collectors of the service.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	NumberValidations   *prometheus.CounterVec
	Mutations           *prometheus.CounterVec
	PhotoRenewals       prometheus.Counter
	LookupCache         *prometheus.CounterVec
	Panics              *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   durationBuckets,
		}, []string{"method", "route"}),
		NumberValidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "number_validations_total",
			Help:      "Insuree number validations by resulting code",
		}, []string{"code"}),
		Mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Insuree and family mutations by outcome",
		}, []string{"entity", "action", "status"}),
		PhotoRenewals: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "photo_renewals_total",
			Help:      "Policy renewal details created for outdated photos",
		}),
		LookupCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookup_cache_total",
			Help:      "Lookup list cache hits and misses",
		}, []string{"result"}),
		Panics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_panics_total",
			Help:      "Handler panics recovered, by route",
		}, []string{"route"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterPool exposes pgxpool statistics as gauges.
func (m *Metrics) RegisterPool(pool *pgxpool.Pool) {
	f := promauto.With(m.registry)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_pool_acquired_conns", Help: "Connections currently acquired",
	}, func() float64 { return float64(pool.Stat().AcquiredConns()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_pool_idle_conns", Help: "Idle connections in the pool",
	}, func() float64 { return float64(pool.Stat().IdleConns()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_pool_total_conns", Help: "Total connections in the pool",
	}, func() float64 { return float64(pool.Stat().TotalConns()) })
}

// ObserveValidation counts one insuree number validation outcome. Code 0
// means the number was valid.
func (m *Metrics) ObserveValidation(code int) {
	m.NumberValidations.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) ObserveMutation(entity, action string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.Mutations.WithLabelValues(entity, action, status).Inc()
}

func (m *Metrics) ObserveLookupCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.LookupCache.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePanic(route string) {
	m.Panics.WithLabelValues(route).Inc()
}

// Middleware records request counts and durations keyed by route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
