package backends

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/systmms/rekey/pkg/secrets"
)

// stringOpt returns a string option, falling back to the environment
// variable env (if set) and then to def.
func stringOpt(cfg map[string]interface{}, key, env, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	if env != "" {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return def
}

func boolOpt(cfg map[string]interface{}, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}

// expandHome expands a leading "~/" to the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// reference is the value persisted in a record for a secret stored
// externally at path.
func reference(path string) string {
	return secrets.MarkerReference + ":" + path
}

// referencePath returns the path a reference points to.
func referencePath(value string) string {
	return strings.TrimPrefix(value, secrets.MarkerReference+":")
}

// flatName converts a path into a name made only of characters accepted by
// stores with flat namespaces and at most maxLen bytes long. Runs of other
// characters become sep. The readable part is lossy, so the name always ends
// with a hash of the exact path; distinct paths never share a name.
func flatName(path string, sep rune, allowed func(rune) bool, maxLen int) string {
	var b strings.Builder
	lastSep := true
	for _, r := range path {
		if allowed(r) {
			b.WriteRune(r)
			lastSep = false
			continue
		}
		if !lastSep {
			b.WriteRune(sep)
			lastSep = true
		}
	}
	readable := strings.TrimRight(b.String(), string(sep))

	sum := sha256.Sum256([]byte(path))
	suffix := hex.EncodeToString(sum[:8])

	// Keep the tail: the field and record name are the useful part.
	if keep := maxLen - len(suffix) - 1; len(readable) > keep {
		readable = strings.TrimLeft(readable[len(readable)-keep:], string(sep))
	}
	if readable == "" {
		return suffix
	}
	return readable + string(sep) + suffix
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
