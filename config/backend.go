package config

// BackendConfig drives the HTTP sink and the metrics endpoint. It is
// filled from flags, not from the reloadable file.
type BackendConfig struct {
	Host                  string
	Port                  string
	BatchSize             int64
	FlushInterval         int // in seconds
	MetricsPort           int
	MetricsExport         bool
	MetricsExportInterval int // in seconds
	NodeMetrics           bool
}
