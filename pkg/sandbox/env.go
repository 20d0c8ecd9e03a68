package sandbox

import (
	"os"
	"strings"
)

// Substrings that mark an environment variable as sensitive. Matching
// variables are left out of SafeEnv, the environment view handed to
// sandboxed expressions and transforms.
var sensitiveEnvMarkers = []string{
	"TOKEN", "SECRET", "PASSWORD", "PASSWD", "CREDENTIAL", "PRIVATE",
	"API_KEY", "APIKEY", "ACCESS_KEY", "AUTH",
}

// SafeEnv returns the process environment with sensitive variables removed.
// This is the only environment view expressions can see.
func SafeEnv() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		idx := strings.IndexByte(kv, '=')
		if idx <= 0 {
			continue
		}
		key := kv[:idx]
		if isSensitiveEnv(key) {
			continue
		}
		out[key] = kv[idx+1:]
	}
	return out
}

func isSensitiveEnv(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range sensitiveEnvMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
