package datastore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	collector "github.com/prometheus/node_exporter/collector"
	"github.com/rs/zerolog"

	"github.com/ddosify/netobserver/log"
)

const (
	metricsPath     = "/metrics"
	nodeMetricsPath = "/node/metrics"
)

// MetricsServer exposes the observer registry and, when enabled, the node
// exporter collectors.
type MetricsServer struct {
	srv *http.Server
	ln  net.Listener
}

func NewMetricsServer(addr string, reg *prometheus.Registry, nodeMetrics bool) (*MetricsServer, error) {
	if err := reg.Register(version.NewCollector("netobserver")); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("register version collector: %w", err)
		}
	}
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(prometheus.Gatherers{reg}, promhttp.HandlerOpts{}))
	if nodeMetrics {
		h, err := newHandler(nodeExportLogger{logger: log.Logger})
		if err != nil {
			return nil, err
		}
		mux.Handle(nodeMetricsPath, h)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	return &MetricsServer{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}, nil
}

func (m *MetricsServer) Addr() string { return m.ln.Addr().String() }

// Serve blocks until ctx is done.
func (m *MetricsServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- m.srv.Serve(m.ln) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type nodeExporterHandler struct {
	inner  http.Handler
	logger nodeExportLogger
}

func newHandler(logger nodeExportLogger) (*nodeExporterHandler, error) {
	h := &nodeExporterHandler{
		logger: logger,
	}
	innerHandler, err := h.innerHandler()
	if err != nil {
		return nil, fmt.Errorf("couldn't create metrics handler: %w", err)
	}
	h.inner = innerHandler
	return h, nil
}

// nodeExportLogger adapts zerolog to the go-kit logger node exporter wants.
type nodeExportLogger struct {
	logger zerolog.Logger
}

func (l nodeExportLogger) Log(keyvals ...interface{}) error {
	l.logger.Debug().Msg(fmt.Sprint(keyvals...))
	return nil
}

func (h *nodeExporterHandler) innerHandler(filters ...string) (http.Handler, error) {
	nc, err := collector.NewNodeCollector(h.logger, filters...)
	if err != nil {
		return nil, fmt.Errorf("couldn't create collector: %s", err)
	}

	// Only log the creation of an unfiltered handler, which should happen
	// only once upon startup.
	if len(filters) == 0 {
		collectors := []string{}
		for n := range nc.Collectors {
			collectors = append(collectors, n)
		}
		sort.Strings(collectors)
		for _, c := range collectors {
			level.Info(h.logger).Log("collector", c)
		}
	}

	r := prometheus.NewRegistry()
	if err := r.Register(nc); err != nil {
		return nil, fmt.Errorf("couldn't register node collector: %s", err)
	}
	return promhttp.HandlerFor(prometheus.Gatherers{r}, promhttp.HandlerOpts{}), nil
}

func (h *nodeExporterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filters := r.URL.Query()["collect[]"]

	if len(filters) == 0 {
		// No filters, use the prepared unfiltered handler.
		h.inner.ServeHTTP(w, r)
		return
	}
	filteredHandler, err := h.innerHandler(filters...)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(fmt.Sprintf("Couldn't create filtered metrics handler: %s", err)))
		return
	}
	filteredHandler.ServeHTTP(w, r)
}
