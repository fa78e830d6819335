package collector

import (
	"bytes"
	"encoding/json"
)

// Health statuses derived from a node's healthData.
const (
	HealthFailure  = "Failure"
	HealthDegraded = "Degraded"
	HealthNotReady = "Not Ready"
	HealthHealthy  = "Healthy"
	HealthNA       = "NA"
)

var healthPriority = map[string]int{
	HealthFailure:  4,
	HealthDegraded: 3,
	HealthNotReady: 2,
	HealthHealthy:  1,
	HealthNA:       0,
}

// workloadStatus holds replica counts. SyncedProxies is -1 or absent when
// the proxy status is unknown.
type workloadStatus struct {
	AvailableReplicas int32  `json:"availableReplicas"`
	CurrentReplicas   int32  `json:"currentReplicas"`
	DesiredReplicas   int32  `json:"desiredReplicas"`
	SyncedProxies     *int32 `json:"syncedProxies"`
}

// requestHealth holds request counts by protocol and response code.
type requestHealth struct {
	Inbound  map[string]map[string]float64 `json:"inbound"`
	Outbound map[string]map[string]float64 `json:"outbound"`
}

type healthData struct {
	Requests         requestHealth     `json:"requests"`
	WorkloadStatus   *workloadStatus   `json:"workloadStatus"`
	WorkloadStatuses *[]workloadStatus `json:"workloadStatuses"`
}

// deriveHealth computes the node's overall status. Workload payloads carry
// one workload status, app payloads a list of them and service payloads only
// request counts. An array payload has no health information. Nodes without
// health data get an empty status.
func deriveHealth(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '[' {
		return HealthNA
	}
	var data healthData
	if err := json.Unmarshal(raw, &data); err != nil {
		return HealthNA
	}

	status := requestStatus(data.Requests)
	switch {
	case data.WorkloadStatus != nil:
		status = worstHealth(status, replicaStatus(*data.WorkloadStatus))
	case data.WorkloadStatuses != nil:
		for _, ws := range *data.WorkloadStatuses {
			status = worstHealth(status, replicaStatus(ws))
		}
	}
	return status
}

func worstHealth(a, b string) string {
	if healthPriority[b] > healthPriority[a] {
		return b
	}
	return a
}

// replicaStatus compares the replica counts of one workload.
func replicaStatus(ws workloadStatus) string {
	desired, current, available := ws.DesiredReplicas, ws.CurrentReplicas, ws.AvailableReplicas
	synced := int32(-1)
	if ws.SyncedProxies != nil {
		synced = *ws.SyncedProxies
	}

	switch {
	case desired == 0:
		return HealthNotReady
	case current > 0 && available > 0 && (current < desired || available < desired):
		return HealthDegraded
	case available == 0:
		return HealthFailure
	case desired == available && available != current:
		// pending pods
		return HealthFailure
	case synced >= 0 && synced < desired:
		return HealthDegraded
	case desired == current && current == available:
		return HealthHealthy
	}
	return HealthDegraded
}

// requestStatus applies the default error tolerances to the request counts.
// Without any traffic there is nothing to judge.
func requestStatus(req requestHealth) string {
	status := HealthNA
	for _, requests := range []map[string]map[string]float64{req.Inbound, req.Outbound} {
		for protocol, codes := range requests {
			var total float64
			for _, count := range codes {
				total += count
			}
			if total <= 0 {
				continue
			}
			status = worstHealth(status, HealthHealthy)
			for code, count := range codes {
				status = worstHealth(status, codeStatus(protocol, code, count/total*100))
			}
		}
	}
	return status
}

// codeStatus maps the share of one response code to a status. Aborted
// requests, 5xx and gRPC errors degrade above 0% and fail at 10%. 4xx
// degrade at 10% and fail at 20%.
func codeStatus(protocol, code string, percent float64) string {
	degradedAt, failureAt := -1.0, -1.0
	switch protocol {
	case "http":
		switch {
		case code == "-", len(code) == 3 && code[0] == '5':
			degradedAt, failureAt = 0, 10
		case len(code) == 3 && code[0] == '4':
			degradedAt, failureAt = 10, 20
		}
	case "grpc":
		if code != "0" {
			degradedAt, failureAt = 0, 10
		}
	}

	switch {
	case failureAt < 0 || percent <= 0:
		return HealthHealthy
	case percent >= failureAt:
		return HealthFailure
	case percent >= degradedAt:
		return HealthDegraded
	}
	return HealthHealthy
}
