package renter

import (
	"time"
)

const (
	HeaderDeviceID = "X-SiaSync-Device-Id"

	// siad refuses requests without this agent
	DaemonUserAgent = "Sia-Agent"

	DefaultAddress = "localhost:9980"
)

// File is one entry of the renter's file listing.
type File struct {
	SiaPath        string  `json:"siapath"`
	FileSize       int64   `json:"filesize"`
	Available      bool    `json:"available"`
	UploadProgress float64 `json:"uploadprogress"`
	Redundancy     float64 `json:"redundancy"`
}

// Complete reports whether the file is fully uploaded and retrievable.
func (f *File) Complete() bool {
	return f.Available && f.UploadProgress >= 100
}

type FilesResponse struct {
	Files []File `json:"files"`
}

// Download is one entry of the renter's download queue.
type Download struct {
	SiaPath     string    `json:"siapath"`
	Destination string    `json:"destination"`
	FileSize    int64     `json:"filesize"`
	Received    int64     `json:"received"`
	StartTime   time.Time `json:"starttime"`
	Completed   bool      `json:"completed"`
	Error       string    `json:"error"`
}

// Done reports whether every byte of the download has arrived.
func (d *Download) Done() bool {
	return d.Error == "" && (d.Completed || (d.FileSize > 0 && d.Received >= d.FileSize))
}

type DownloadsResponse struct {
	Downloads []Download `json:"downloads"`
}

type UploadParams struct {
	SiaPath      string
	Source       string
	DataPieces   int
	ParityPieces int
}

type ConsensusInfo struct {
	Synced       bool   `json:"synced"`
	Height       uint64 `json:"height"`
	CurrentBlock string `json:"currentblock"`
}

type WalletInfo struct {
	Encrypted bool `json:"encrypted"`
	Unlocked  bool `json:"unlocked"`
}

type Contract struct {
	ID            string `json:"id"`
	NetAddress    string `json:"netaddress"`
	EndHeight     uint64 `json:"endheight"`
	GoodForUpload bool   `json:"goodforupload"`
}

type ContractsResponse struct {
	Contracts []Contract `json:"contracts"`
}
