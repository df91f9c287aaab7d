package util

import "github.com/coah80/hoist/internal/config"

const bytesPerGB = 1 << 30

type DiskSpaceInfo struct {
	AvailGB float64
	TotalGB float64
	UsedGB  float64
}

// Low reports whether available space is under the configured floor for
// accepting new uploads.
func (d DiskSpaceInfo) Low() bool {
	return d.AvailGB < float64(config.DiskSpaceMinGB)
}

// GetDiskSpace reports filesystem capacity for the volume holding path.
func GetDiskSpace(path string) (DiskSpaceInfo, error) {
	avail, total, err := diskSpaceBytes(path)
	if err != nil {
		return DiskSpaceInfo{}, err
	}
	availGB := float64(avail) / bytesPerGB
	totalGB := float64(total) / bytesPerGB
	return DiskSpaceInfo{
		AvailGB: availGB,
		TotalGB: totalGB,
		UsedGB:  totalGB - availGB,
	}, nil
}
