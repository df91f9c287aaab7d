package middleware

import (
	"bufio"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/cors"
)

// LoadCORS builds the CORS handler from the CORS_ORIGINS env var
// (comma-separated), falling back to a cors-origins.txt file next to
// the binary. With no origins configured every origin is allowed but
// credentials are disabled.
func LoadCORS() func(http.Handler) http.Handler {
	origins, source := corsOrigins()

	if len(origins) == 0 {
		log.Println("[CORS] WARNING: no origins configured, allowing all origins without credentials. Set CORS_ORIGINS or create cors-origins.txt to restrict.")
		return cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         86400,
		})
	}

	log.Printf("✓ Loaded %d CORS origins from %s", len(origins), source)
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           86400,
	})
}

func corsOrigins() ([]string, string) {
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		var origins []string
		for _, o := range strings.Split(env, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		return origins, "CORS_ORIGINS"
	}

	f, err := os.Open("cors-origins.txt")
	if err != nil {
		return nil, ""
	}
	defer f.Close()

	var origins []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			origins = append(origins, line)
		}
	}
	return origins, "cors-origins.txt"
}
