package utils

import (
	"os"

	"github.com/denisbrodbeck/machineid"
)

// HWID identifies this machine towards the storage daemon. It falls back to
// the hostname when the platform machine id is unavailable.
var HWID = hardwareID()

func hardwareID() string {
	if id, err := machineid.ProtectedID("siasync"); err == nil {
		return id[:16]
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "unknown"
}
