package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// ServerMetrics struct for server metrics using prometheus
type ServerMetrics struct {
	Requests    *prometheus.CounterVec // by route and status code
	Rejected    *prometheus.CounterVec // connections turned away before reaching a worker
	Failures    *prometheus.CounterVec // per-connection errors by kind
	QueueDepth  prometheus.Gauge
	BusyWorkers prometheus.Gauge
	JobDuration prometheus.Histogram
}

// used to export metrics captures to prometheus
type MetricsExport struct {
	Metrics  *ServerMetrics //metrics that server supports
	Port     int64          //port in which exporter will run
	Endpoint string         //endpoint which promethues will call to get scrap metrics

	gatherer prometheus.Gatherer
	srv      *http.Server
}

func (s *ServerMetrics) CreateMetrics() {
	s.Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "total_requests",
			Help: "Number of requests proccessed by a server",
		},
		[]string{"route", "status"},
	)
	s.Rejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rejected_connections",
			Help: "Connections rejected by the rate limiter or a full/closed pool",
		},
		[]string{"reason"},
	)
	s.Failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connection_failures",
			Help: "Connections whose handling returned an error",
		},
		[]string{"kind"},
	)
	s.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_queue_depth",
		Help: "Jobs waiting for a free worker",
	})
	s.BusyWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "busy_workers",
		Help: "Workers currently handling a connection",
	})
	s.JobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_duration_seconds",
		Help:    "Time a worker spent on one connection",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
	})
}

func (s *ServerMetrics) all() []prometheus.Collector {
	return []prometheus.Collector{s.Requests, s.Rejected, s.Failures, s.QueueDepth, s.BusyWorkers, s.JobDuration}
}

// ObserveRequest counts one answered request. Safe on a nil receiver.
func (s *ServerMetrics) ObserveRequest(route string, status int) {
	if s == nil {
		return
	}
	s.Requests.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
}

func (s *ServerMetrics) ObserveRejected(reason string) {
	if s == nil {
		return
	}
	s.Rejected.WithLabelValues(reason).Inc()
}

func (s *ServerMetrics) ObserveFailure(kind string) {
	if s == nil {
		return
	}
	s.Failures.WithLabelValues(kind).Inc()
}

// ObserveJob records how long a worker spent on one connection
func (s *ServerMetrics) ObserveJob(d time.Duration) {
	if s == nil {
		return
	}
	s.JobDuration.Observe(d.Seconds())
}

func (s *ServerMetrics) SetPoolState(pending, busy int) {
	if s == nil {
		return
	}
	s.QueueDepth.Set(float64(pending))
	s.BusyWorkers.Set(float64(busy))
}

// NewServerMetrics creates the metrics and registers them with reg.
func NewServerMetrics(reg prometheus.Registerer) (*ServerMetrics, error) {
	reqMetrics := &ServerMetrics{}
	reqMetrics.CreateMetrics()
	for _, c := range reqMetrics.all() {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return reqMetrics, nil
}

func NewExportMetrics(port int64, endpoint string) (*MetricsExport, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics, err := NewServerMetrics(reg)
	if err != nil {
		return nil, err
	}
	exporter := &MetricsExport{
		Metrics:  metrics,
		Port:     port,
		Endpoint: endpoint,
		gatherer: reg,
	}
	exporter.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           exporter.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return exporter, nil
}

// Router serves the scrape endpoint
func (e *MetricsExport) Router() *mux.Router {
	r := mux.NewRouter()
	r.Path(e.Endpoint).Handler(promhttp.HandlerFor(e.gatherer, promhttp.HandlerOpts{}))
	return r
}

// ExportMetrics serves the scrape endpoint until Shutdown is called
func (e *MetricsExport) ExportMetrics() error {
	log.Infof("Starting metrics exporter on port: %d", e.Port)

	err := e.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (e *MetricsExport) Shutdown(ctx context.Context) error {
	return e.srv.Shutdown(ctx)
}
