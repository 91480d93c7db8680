package datastore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"k8s.io/apimachinery/pkg/util/uuid"

	"github.com/ddosify/netobserver/config"
	"github.com/ddosify/netobserver/log"
)

var MonitoringID string
var NodeID string

func init() {
	x := os.Getenv("MONITORING_ID")
	if x == "" {
		MonitoringID = string(uuid.NewUUID())
	} else {
		MonitoringID = x
	}

	x = os.Getenv("NODE_NAME")
	if x == "" {
		NodeID = string(uuid.NewUUID())
	} else {
		NodeID = x
	}
}

var ErrBackendFull = errors.New("backend buffer full")

const (
	recordsEndpoint = "/netobserver/records/"
	metricsEndpoint = "/netobserver/metrics/scrape/"

	defaultBatchSize     int64 = 1000
	defaultFlushInterval       = 5 * time.Second
	recordBufferSize           = 10000
)

// BackendDS posts flushed records to the backend in gzip compressed
// batches. Send never blocks the caller; records beyond the buffer are
// dropped.
type BackendDS struct {
	host      string
	port      string
	c         *http.Client
	batchSize int64
	interval  time.Duration

	recordChan chan Record
	stop       chan struct{}
	stopped    chan struct{}
	once       sync.Once
}

func newRetryClient() *retryablehttp.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = retryablehttp.DefaultBackoff
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.RetryMax = 4
	retryClient.Logger = nil

	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			// connection refused, connection reset, connection timeout
			log.Logger.Warn().Msgf("will retry, error: %v", err)
			return true, nil
		}
		if resp.StatusCode == http.StatusBadRequest ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode >= http.StatusInternalServerError {
			rb, err := io.ReadAll(resp.Body)
			if err != nil {
				log.Logger.Warn().Msgf("error reading response body: %v", err)
			}
			log.Logger.Warn().Int("status", resp.StatusCode).Str("body", string(rb)).Msg("will retry")
			return true, nil
		}
		return false, nil
	}

	retryClient.HTTPClient.Transport = &http.Transport{
		DisableKeepAlives: false,
		MaxConnsPerHost:   500,
	}
	retryClient.HTTPClient.Timeout = 10 * time.Second
	return retryClient
}

func NewBackendDS(conf config.BackendConfig) *BackendDS {
	bs := conf.BatchSize
	if bs <= 0 {
		var err error
		bs, err = strconv.ParseInt(os.Getenv("BATCH_SIZE"), 10, 64)
		if err != nil || bs <= 0 {
			bs = defaultBatchSize
		}
	}
	interval := defaultFlushInterval
	if conf.FlushInterval > 0 {
		interval = time.Duration(conf.FlushInterval) * time.Second
	}

	ds := &BackendDS{
		host:       conf.Host,
		port:       conf.Port,
		c:          newRetryClient().StandardClient(),
		batchSize:  bs,
		interval:   interval,
		recordChan: make(chan Record, recordBufferSize),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go ds.sendRecordsInBatch()

	if conf.MetricsExport && conf.MetricsPort > 0 {
		go ds.exportMetrics(conf.MetricsPort, time.Duration(conf.MetricsExportInterval)*time.Second)
	}
	return ds
}

func (b *BackendDS) url(endpoint string) string {
	if b.port == "" {
		return b.host + endpoint
	}
	return b.host + ":" + b.port + endpoint
}

// Send queues records for the next batch.
func (b *BackendDS) Send(_ context.Context, records []Record) error {
	dropped := 0
	for _, r := range records {
		select {
		case b.recordChan <- r:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: dropped %d records", ErrBackendFull, dropped)
	}
	return nil
}

// Close posts what is still buffered and stops the sender.
func (b *BackendDS) Close() error {
	b.once.Do(func() { close(b.stop) })
	<-b.stopped
	return nil
}

func (b *BackendDS) DoRequest(req *http.Request) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := b.c.Do(req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error sending http request: %v", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body) // in order to reuse the connection
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("not success: %d, %s", resp.StatusCode, string(body))
	}
	log.Logger.Debug().Str("reqHostPath", req.URL.Host+req.URL.Path).Msg("success on request")
	return nil
}

func convertRecordsToPayload(batch []Record) RecordsPayload {
	return RecordsPayload{
		Metadata: Metadata{
			MonitoringID:   MonitoringID,
			IdempotencyKey: string(uuid.NewUUID()),
			NodeID:         NodeID,
		},
		Records: batch,
	}
}

func gzipBody(payload interface{}) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(payload); err != nil {
		return nil, fmt.Errorf("error marshalling batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("error compressing batch: %w", err)
	}
	return &buf, nil
}

func (b *BackendDS) sendToBackend(payload interface{}, endpoint string) {
	body, err := gzipBody(payload)
	if err != nil {
		log.Logger.Error().Err(err).Msg("preparing batch")
		return
	}

	httpReq, err := http.NewRequest(http.MethodPost, b.url(endpoint), body)
	if err != nil {
		log.Logger.Error().Msgf("error creating http request: %v", err)
		return
	}
	httpReq.Header.Set("Content-Encoding", "gzip")

	if err := b.DoRequest(httpReq); err != nil {
		log.Logger.Error().Msgf("backend persist error at ep %s : %v", endpoint, err)
	}
}

// flush posts everything buffered, batchSize records per request.
func (b *BackendDS) flush() {
	for {
		batch := make([]Record, 0, b.batchSize)
	loop:
		for int64(len(batch)) < b.batchSize {
			select {
			case r := <-b.recordChan:
				batch = append(batch, r)
			default:
				break loop
			}
		}
		if len(batch) == 0 {
			return
		}
		b.sendToBackend(convertRecordsToPayload(batch), recordsEndpoint)
		if int64(len(batch)) < b.batchSize {
			return
		}
	}
}

func (b *BackendDS) sendRecordsInBatch() {
	defer close(b.stopped)
	t := time.NewTicker(b.interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			randomDuration := time.Duration(rand.Intn(50)) * time.Millisecond
			time.Sleep(randomDuration)
			b.flush()
		case <-b.stop:
			b.flush()
			return
		}
	}
}

// exportMetrics scrapes the local metrics endpoint and forwards the
// exposition to the backend.
func (b *BackendDS) exportMetrics(port int, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-t.C:
			if err := b.forwardMetrics(port); err != nil {
				log.Logger.Error().Err(err).Msg("forwarding metrics")
			}
		}
	}
}

func (b *BackendDS) forwardMetrics(port int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%d%s", port, metricsPath), nil)
	if err != nil {
		return fmt.Errorf("error creating inner metrics request: %w", err)
	}
	resp, err := b.c.Do(req)
	if err != nil {
		return fmt.Errorf("error sending inner metrics request: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("error reading inner metrics response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inner metrics request not success: %d", resp.StatusCode)
	}

	req, err = http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s?instance=%s&monitoring_id=%s", b.url(metricsEndpoint), NodeID, MonitoringID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating metrics request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err = b.c.Do(req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error sending metrics request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		rb, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("metrics request not success: %d, %s", resp.StatusCode, string(rb))
	}
	return nil
}
