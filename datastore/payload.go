package datastore

type Metadata struct {
	MonitoringID   string `json:"monitoring_id"`
	IdempotencyKey string `json:"idempotency_key"`
	NodeID         string `json:"node_id"`
}

type RecordsPayload struct {
	Metadata Metadata `json:"metadata"`
	Records  []Record `json:"records"`
}
