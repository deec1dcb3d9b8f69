// Package socket resolves the pipe endpoint the command line talks to and
// dials it for HTTP clients.
package socket

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wingpipe/wingpipe-go/internal/npipe"
)

const (
	// EnvEndpoint overrides the detected admin endpoint.
	EnvEndpoint = "WINGPIPE_ENDPOINT"

	schemeNpipe = "npipe://"
	pipePrefix  = `\\.\pipe\`
)

// DetectPipeName returns the admin pipe name for dataDir.
// Priority: WINGPIPE_ENDPOINT env → default name derived from dataDir.
func DetectPipeName(dataDir string) (string, error) {
	if envEndpoint := os.Getenv(EnvEndpoint); envEndpoint != "" {
		return ParseEndpoint(envEndpoint)
	}
	return GetDefaultPipeName(dataDir), nil
}

// GetDefaultPipeName returns \\.\pipe\wingpipe-<user>, with a short hash
// of dataDir appended when it is not the default data directory.
func GetDefaultPipeName(dataDir string) string {
	username := os.Getenv("USERNAME")
	if username == "" {
		username = os.Getenv("USER")
	}
	if username == "" {
		username = "default"
	}

	if dataDir == "" || dataDir == getDefaultDataDir() {
		return fmt.Sprintf(`%swingpipe-%s`, pipePrefix, username)
	}

	if strings.HasPrefix(dataDir, "~/") {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, dataDir[2:])
	}
	hash := sha256.Sum256([]byte(dataDir))
	return fmt.Sprintf(`%swingpipe-%s-%x`, pipePrefix, username, hash[:4])
}

// ParseEndpoint accepts npipe:// URLs (npipe:////./pipe/name,
// npipe://./pipe/name, npipe://name), full pipe names in either slash
// style, or a bare name, and returns the validated backslash form.
func ParseEndpoint(endpoint string) (string, error) {
	name := strings.TrimSpace(endpoint)
	if name == "" {
		return "", fmt.Errorf("empty endpoint")
	}

	if strings.HasPrefix(strings.ToLower(name), schemeNpipe) {
		name = strings.TrimLeft(name[len(schemeNpipe):], `/\`)
		switch {
		case strings.HasPrefix(name, "./pipe/"):
			name = "//" + name
		case strings.HasPrefix(name, `.\pipe\`):
			name = `\\` + name
		default:
			name = pipePrefix + name
		}
	} else if !strings.HasPrefix(name, `\\`) && !strings.HasPrefix(name, "//") {
		if strings.ContainsAny(name, `/\:`) {
			return "", fmt.Errorf("unsupported endpoint %q", endpoint)
		}
		name = pipePrefix + name
	}

	return npipe.ValidateName(name)
}

// FormatEndpoint renders a pipe name as an npipe:// URL.
func FormatEndpoint(name string) string {
	return schemeNpipe + strings.ReplaceAll(name, `\`, "/")
}

// getDefaultDataDir returns the default data directory.
func getDefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".wingpipe")
}
