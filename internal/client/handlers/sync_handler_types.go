package handlers

import "github.com/siasync/siasync/internal/client/sync"

type RecordsResponse struct {
	Records []*sync.SyncRecord `json:"records"`
	Count   int                `json:"count"`
}

type RecordResponse struct {
	Record *sync.SyncRecord `json:"record"`
}

type ConflictsResponse struct {
	Conflicts []string `json:"conflicts"`
	Count     int      `json:"count"`
}
