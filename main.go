package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/version"

	"github.com/ddosify/netobserver/config"
	"github.com/ddosify/netobserver/cri"
	"github.com/ddosify/netobserver/datastore"
	"github.com/ddosify/netobserver/ebpf"
	"github.com/ddosify/netobserver/k8s"
	"github.com/ddosify/netobserver/log"
	"github.com/ddosify/netobserver/metas"
	"github.com/ddosify/netobserver/observer"
	"github.com/ddosify/netobserver/replay"
)

var (
	configPath   = kingpin.Flag("config.file", "Observer configuration file, watched for changes.").Envar("NETOBS_CONFIG").String()
	metricsPort  = kingpin.Flag("metrics.port", "Port of the metrics endpoint, 0 disables it.").Default("8182").Int()
	nodeMetrics  = kingpin.Flag("metrics.node", "Serve node exporter metrics on /node/metrics.").Default("false").Bool()
	backendHost  = kingpin.Flag("backend.host", "Backend base URL; records are only logged when empty.").Envar("BACKEND_HOST").String()
	backendPort  = kingpin.Flag("backend.port", "Backend port.").Envar("BACKEND_PORT").String()
	batchSize    = kingpin.Flag("backend.batch-size", "Records per backend request.").Envar("BATCH_SIZE").Int64()
	exportMetric = kingpin.Flag("backend.export-metrics", "Forward the metrics endpoint to the backend.").Default("false").Bool()
	exportEvery  = kingpin.Flag("backend.export-interval", "Seconds between metric forwards.").Default("10").Int()
	replayPath   = kingpin.Flag("replay.path", "Read packet events from this dump instead of capturing.").String()
	dumpPath     = kingpin.Flag("dump.path", "Write captured packet events to this dump.").String()
	criEndpoint  = kingpin.Flag("cri.endpoint", "CRI socket; the well known ones are tried when empty.").Envar("CRI_ENDPOINT").String()
	k8sEnabled   = kingpin.Flag("k8s.enabled", "Resolve containers through a pod informer.").Envar("K8S_COLLECTOR_ENABLED").Bool()
	kubeconfig   = kingpin.Flag("k8s.kubeconfig", "Kubeconfig used when IN_CLUSTER=false.").String()
	nodeName     = kingpin.Flag("k8s.node", "Only index pods of this node.").Envar("NODE_NAME").String()
)

// buildSources opens what cfg asks for: a replay file wins over live
// capture.
func buildSources(cfg *config.NetworkConfig, conns *metas.ConnectionMetaManager) ([]observer.Source, error) {
	if cfg.Replay.Path != "" {
		s, err := replay.Open(cfg.Replay.Path, true)
		if err != nil {
			return nil, err
		}
		return []observer.Source{s}, nil
	}
	if !cfg.EBPF.Enabled {
		return nil, nil
	}
	c, err := ebpf.NewCollector(cfg, conns)
	if err != nil {
		return nil, err
	}
	return []observer.Source{c}, nil
}

func buildFetcher(ctx context.Context) metas.ContainerMetaFetcher {
	var chain metas.ChainFetcher
	if *k8sEnabled {
		idx, err := k8s.NewPodIndex(*kubeconfig, *nodeName)
		if err == nil {
			err = idx.Start(ctx)
		}
		if err != nil {
			log.Logger.Warn().Err(err).Msg("pod index unavailable")
		} else {
			chain = append(chain, idx)
		}
	}
	ct, err := cri.NewCRITool(*criEndpoint)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("container runtime unavailable")
	} else {
		chain = append(chain, ct)
	}
	return chain
}

func main() {
	kingpin.Version(version.Print("netobserver"))
	kingpin.CommandLine.UsageWriter(os.Stdout)
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	// Flags win over the file, on every reload too.
	if *replayPath != "" {
		os.Setenv("REPLAY_PATH", *replayPath)
	}
	if *dumpPath != "" {
		os.Setenv("DUMP_PATH", *dumpPath)
	}

	loader := config.NewLoader(*configPath)
	loader.BeginLoad()
	if err := loader.Load(); err != nil {
		log.Logger.Fatal().Err(err).Str("path", *configPath).Msg("loading config")
	}
	cfg := loader.EndLoad()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var sink datastore.Sink = datastore.LogSink{}
	var backend *datastore.BackendDS
	if *backendHost != "" {
		backend = datastore.NewBackendDS(config.BackendConfig{
			Host:                  *backendHost,
			Port:                  *backendPort,
			BatchSize:             *batchSize,
			MetricsPort:           *metricsPort,
			MetricsExport:         *exportMetric,
			MetricsExportInterval: *exportEvery,
		})
		sink = backend
	}

	if *metricsPort > 0 {
		srv, err := datastore.NewMetricsServer(fmt.Sprintf(":%d", *metricsPort), reg, *nodeMetrics)
		if err != nil {
			log.Logger.Fatal().Err(err).Msg("metrics endpoint")
		}
		go func() {
			if err := srv.Serve(ctx); err != nil {
				log.Logger.Error().Err(err).Msg("metrics endpoint stopped")
			}
		}()
	}

	obs := observer.NewNetworkObserver(cfg, sink, buildFetcher(ctx), reg)
	factory := func(cfg *config.NetworkConfig) ([]observer.Source, error) {
		return buildSources(cfg, obs.ConnectionMetas())
	}
	obs.SetLoader(loader, factory)
	sources, err := factory(cfg)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("building sources")
	}
	obs.SetSources(sources...)

	if cfg.Replay.DumpPath != "" {
		w, err := replay.Create(cfg.Replay.DumpPath, cfg.Replay.DumpMaxBytes)
		if err != nil {
			log.Logger.Fatal().Err(err).Msg("packet dump")
		}
		obs.SetDumper(w)
		defer w.Close()
	}

	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, 0)
		if err != nil {
			log.Logger.Warn().Err(err).Msg("config hot reload disabled")
		} else {
			go w.Run(ctx)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-w.C:
						log.Logger.Info().Str("path", *configPath).Msg("config changed, reloading")
						obs.Reload()
					}
				}
			}()
		}
	}

	obs.Run(ctx)
	obs.HoldOn(true)
	if backend != nil {
		backend.Close()
	}
	log.Logger.Info().Msg("netobserver stopped")
}
