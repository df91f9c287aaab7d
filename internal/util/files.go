package util

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/coah80/hoist/internal/config"
)

var unsafeFilenameRe = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
var multiSpaceRe = regexp.MustCompile(`\s+`)

func EnsureTempDirs() {
	for _, dir := range config.TempDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Printf("[Temp] Failed to create %s: %v", dir, err)
		}
	}
	fmt.Println("✓ Temp directories ready")
}

func CleanupTempFiles() {
	now := time.Now()
	for _, dir := range config.TempDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			p := filepath.Join(dir, e.Name())
			info, err := e.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) > config.TempFileRetention {
				os.RemoveAll(p)
				log.Printf("Cleaned up old temp: %s", e.Name())
			}
		}
	}

	if ds, err := GetDiskSpace(config.TempDir); err == nil {
		if ds.Low() {
			log.Printf("[DiskSpace] WARNING: Only %.1fGB free, below %dGB threshold!", ds.AvailGB, config.DiskSpaceMinGB)
		}
	}
}

func CleanupUploadFiles(uploadID string) {
	cleaned := 0
	for _, dir := range config.TempDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if strings.Contains(e.Name(), uploadID) {
				p := filepath.Join(dir, e.Name())
				if err := os.RemoveAll(p); err == nil {
					cleaned++
				}
			}
		}
	}
	if cleaned > 0 {
		log.Printf("[Cleanup] Removed %d files for upload %s", cleaned, ShortID(uploadID))
	}
}

func SanitizeFilename(filename string) string {
	s := unsafeFilenameRe.ReplaceAllString(filename, "_")
	s = multiSpaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > config.MaxFileNameLength {
		s = s[:config.MaxFileNameLength]
	}
	return s
}

func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func StartCleanupInterval() {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		for range ticker.C {
			CleanupTempFiles()
		}
	}()
}
