package transport

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/mcp-scooter/rpcbridge/internal/logger"
)

// Only these variables are inherited by servers. Anything else (tokens, cloud
// credentials) has to be passed explicitly through the server's env config.
var inheritedUnix = []string{
	"HOME", "LOGNAME", "PATH", "SHELL", "TERM", "USER",
	"LANG", "LC_ALL", "LC_CTYPE", "TMPDIR",
}

var inheritedWindows = []string{
	"APPDATA", "HOMEDRIVE", "HOMEPATH", "LOCALAPPDATA", "PATH", "PATHEXT",
	"PROCESSOR_ARCHITECTURE", "SYSTEMDRIVE", "SYSTEMROOT", "TEMP", "USERNAME", "USERPROFILE",
}

// InheritedEnv returns the allow-listed subset of the current environment.
func InheritedEnv() map[string]string {
	keys := inheritedUnix
	if runtime.GOOS == "windows" {
		keys = inheritedWindows
	}

	env := make(map[string]string, len(keys))
	for _, key := range keys {
		value, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		// Exported shell functions are not values.
		if strings.HasPrefix(value, "()") {
			continue
		}
		env[key] = value
	}
	return env
}

// BuildEnv merges overrides on top of InheritedEnv and returns a sorted KEY=VALUE list.
// Override values of the form "keychain:<id>" are looked up through secrets.
func BuildEnv(overrides map[string]string, secrets SecretResolver) ([]string, error) {
	merged, err := MergeEnv(overrides, secrets)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env, nil
}

// MergeEnv is BuildEnv without flattening.
func MergeEnv(overrides map[string]string, secrets SecretResolver) (map[string]string, error) {
	merged := InheritedEnv()
	for k, v := range overrides {
		if ref, ok := strings.CutPrefix(v, KeychainPrefix); ok {
			if secrets == nil {
				return nil, fmt.Errorf("env %s references %q but no secret store is configured", k, v)
			}
			secret, err := secrets.Resolve(ref)
			if err != nil {
				return nil, fmt.Errorf("env %s: %w", k, err)
			}
			logger.RegisterSecret(secret)
			v = secret
		}
		merged[k] = v
	}
	return merged, nil
}
