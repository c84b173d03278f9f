package handlers

// StatusResponse is the sync summary served on /v1/status.
type StatusResponse struct {
	Status      string         `json:"status"`      // health status ("ok").
	Timestamp   string         `json:"ts"`          // timestamp when the status was taken.
	Version     string         `json:"version"`     // version of the client.
	Revision    string         `json:"revision"`    // revision of the client.
	BuildDate   string         `json:"buildDate"`   // build date of the client.
	StartedAt   string         `json:"startedAt"`   // when the control plane came up.
	SyncStatus  string         `json:"syncStatus"`  // last status stream value.
	FullySynced bool           `json:"fullySynced"` // no record outside SYNCED.
	Pending     int            `json:"pending"`     // records with work left.
	Counts      map[string]int `json:"counts"`      // records per state.
}

type HealthResponse struct {
	Status string `json:"status"`
}
