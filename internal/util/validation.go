package util

import (
	"path/filepath"
	"strings"

	"github.com/coah80/hoist/internal/config"
)

type NameValidation struct {
	Valid bool
	Error string
}

// ValidateUploadName rejects names that could escape the target object
// prefix or that the storage backends refuse outright.
func ValidateUploadName(name string) NameValidation {
	if name == "" {
		return NameValidation{false, "File name is required"}
	}
	if len(name) > config.MaxFileNameLength {
		return NameValidation{false, "File name is too long"}
	}
	if strings.Contains(name, "..") {
		return NameValidation{false, "File name must not contain '..'"}
	}
	if strings.ContainsAny(name, "/\\") {
		return NameValidation{false, "File name must not contain path separators"}
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return NameValidation{false, "File name contains control characters"}
		}
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" || !config.AllowedUploadExts[ext] {
		return NameValidation{false, "Unsupported file type. Please upload a video file."}
	}
	return NameValidation{true, ""}
}

var extContentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
	".3gp":  "video/3gpp",
}

// ContentTypeForName maps a file name's extension to its content type.
// Extensions without a dedicated type fall back to octet-stream.
func ContentTypeForName(name string) string {
	if ct, ok := extContentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

func ValidateContentType(contentType string) NameValidation {
	base := contentType
	if i := strings.Index(base, ";"); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(strings.ToLower(base))
	if base == "" {
		return NameValidation{false, "Content type is required"}
	}
	if !config.Contains(config.AllowedContentTypes, base) {
		return NameValidation{false, "Unsupported content type"}
	}
	return NameValidation{true, ""}
}
