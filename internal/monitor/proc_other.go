//go:build !linux

package monitor

import (
	"sync"

	"github.com/zjrosen/chamber/internal/log"
)

var stubOnce sync.Once

// readSample is the unsupported-platform stub: zeros, logged once.
func readSample(int) (Sample, error) {
	stubOnce.Do(func() {
		log.Warn(log.CatMon, "resource sampling unsupported on this platform, reporting zeros")
	})
	return Sample{}, nil
}
