package datastore

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: "netobs", Name: "input_events_total", Help: "h"})
	reg.MustRegister(c)
	c.Add(3)

	m, err := NewMetricsServer("127.0.0.1:0", reg, false)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	resp, err := http.Get("http://" + m.Addr() + metricsPath)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "netobs_input_events_total 3")
	assert.Contains(t, string(body), "netobserver_build_info")

	resp, err = http.Get("http://" + m.Addr() + nodeMetricsPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	assert.NoError(t, <-done)
}
