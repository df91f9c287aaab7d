package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

var Version = "dev"

var (
	Port    string
	EnvMode string

	StorageBackend string

	B2KeyID      string
	B2AppKey     string
	B2BucketID   string
	B2BucketName string
	B2APIBase    string

	S3Region          string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Endpoint        string

	PublicBaseURL string

	PartSize int64
	MaxParts int
)

const (
	MaxChunks         = 200
	ChunkSizeLimit    = 60 * 1024 * 1024
	FileSizeLimit     = 15 * 1024 * 1024 * 1024
	DiskSpaceMinGB    = 5
	MaxFileNameLength = 200
	RateLimitWindow   = 60 * time.Second
	RateLimitMax      = 120
	ControlInterval   = 100 * time.Millisecond
	UploadMaxAttempts = 3
	UploadRetryDelay  = 1 * time.Second
	SessionMaxAge     = 24 * time.Hour
	SessionSweep      = 10 * time.Minute
	StatusRetention   = 30 * time.Minute
	StatusSweep       = 60 * time.Second
	RepublishDelay    = 500 * time.Millisecond
	ProgressBase      = 10
	ProgressPerPart   = 5
	JobMaxAttempts    = 3
	JobRetryDelay     = 5 * time.Second
	JobPollInterval   = 1 * time.Second
	JobMaxConcurrent  = 2
	JobRetention      = 1 * time.Hour
	ThumbnailSeek     = 1.0
	TempFileRetention = 60 * time.Minute
)

var AllowedContentTypes = []string{
	"video/mp4", "video/webm", "video/x-matroska", "video/quicktime",
	"video/x-msvideo", "video/mpeg", "video/3gpp", "application/octet-stream",
}

var AllowedUploadExts = map[string]bool{
	".mp4": true, ".webm": true, ".mkv": true, ".mov": true, ".avi": true,
	".flv": true, ".wmv": true, ".ts": true, ".m4v": true, ".3gp": true,
	".mpg": true, ".mpeg": true,
}

const TempDir = "/var/tmp/hoist"

var TempDirs = map[string]string{
	"chunks": filepath.Join(TempDir, "chunks"),
	"thumbs": filepath.Join(TempDir, "thumbs"),
}

func Load() {
	Port = envOrDefault("PORT", "3001")
	EnvMode = envOrDefault("ENV_MODE", "development")

	StorageBackend = envOrDefault("STORAGE_BACKEND", "b2")

	B2KeyID = os.Getenv("B2_KEY_ID")
	B2AppKey = os.Getenv("B2_APP_KEY")
	B2BucketID = os.Getenv("B2_BUCKET_ID")
	B2BucketName = os.Getenv("B2_BUCKET_NAME")
	B2APIBase = envOrDefault("B2_API_BASE", "https://api.backblazeb2.com")

	S3Region = envOrDefault("S3_REGION", "us-east-1")
	S3Bucket = os.Getenv("S3_BUCKET")
	S3AccessKeyID = os.Getenv("S3_ACCESS_KEY_ID")
	S3SecretAccessKey = os.Getenv("S3_SECRET_ACCESS_KEY")
	S3Endpoint = os.Getenv("S3_ENDPOINT")

	PublicBaseURL = os.Getenv("PUBLIC_BASE_URL")

	if StorageBackend == "b2" && (B2KeyID == "" || B2AppKey == "") {
		log.Println("[WARN] B2_KEY_ID/B2_APP_KEY not set, storage calls will fail")
	}

	partMB, _ := strconv.Atoi(envOrDefault("PART_SIZE_MB", "50"))
	if partMB < 5 {
		partMB = 5
	}
	PartSize = int64(partMB) * 1024 * 1024

	MaxParts, _ = strconv.Atoi(envOrDefault("MAX_PARTS", "10000"))
	if MaxParts < 1 {
		MaxParts = 10000
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func Contains(slice []string, val string) bool {
	for _, s := range slice {
		if s == val {
			return true
		}
	}
	return false
}
