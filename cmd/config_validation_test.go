package cmd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestValidateStartupConfigWithGetterEmpty verifies empty configuration passes validation.
func TestValidateStartupConfigWithGetterEmpty(t *testing.T) {
	err := validateStartupConfigWithGetter(newMapConfigGetter(map[string]any{}))
	require.NoError(t, err)
}

func TestValidateStartupConfigWithGetterNil(t *testing.T) {
	require.Error(t, validateStartupConfigWithGetter(nil))
}

func TestValidateStartupConfigWithGetterValid(t *testing.T) {
	cfg := map[string]any{
		"settings": map[string]any{
			"db": map[string]any{
				"filescan": map[string]any{"addr": "mongo:27017", "db": "filescan"},
			},
			"redis": map[string]any{"addr": "redis:6379", "db": 1},
			"kafka": map[string]any{"brokers": []any{"kafka-1:9092", "kafka-2:9092"}},
			"minio": map[string]any{"endpoint": "s3.local:9000", "secure": "true"},
			"scanner": map[string]any{
				"max_file_bytes":    20971520,
				"scan_byte_ceiling": 65536,
				"fetch_max_retries": 0,
				"classifier":        map[string]any{"mode": "Thorough"},
				"bus":               map[string]any{"driver": "kafka"},
				"dedup":             map[string]any{"enabled": true, "ttl_seconds": 300},
				"quarantine":        map[string]any{"enabled": true, "bucket": "samples"},
				"resolver":          map[string]any{"endpoint": "http://bot:8080"},
			},
			"bot": map[string]any{"advertise_addr": "bot-1:8080", "api": "https://api.telegram.org"},
		},
	}

	require.NoError(t, validateStartupConfigWithGetter(newMapConfigGetter(cfg)))
}

func TestValidateStartupConfigWithGetterInvalidValues(t *testing.T) {
	cfg := map[string]any{
		"settings": map[string]any{
			"redis": map[string]any{"db": -1},
			"scanner": map[string]any{
				"scan_byte_ceiling": "lots",
				"queue":             map[string]any{"concurrency": 0},
				"classifier":        map[string]any{"mode": "paranoid"},
				"dedup":             map[string]any{"enabled": "maybe"},
				"resolver":          map[string]any{"endpoint": "bot:8080"},
			},
			"bot": map[string]any{"advertise_addr": "http://bot-1:8080"},
		},
	}

	err := validateStartupConfigWithGetter(newMapConfigGetter(cfg))
	require.Error(t, err)
	for _, key := range []string{
		"settings.redis.db",
		"settings.scanner.scan_byte_ceiling",
		"settings.scanner.queue.concurrency",
		"settings.scanner.classifier.mode",
		"settings.scanner.dedup.enabled",
		"settings.scanner.resolver.endpoint",
		"settings.bot.advertise_addr",
	} {
		require.Contains(t, err.Error(), key)
	}
}

func TestValidateStartupConfigWithGetterBusDriver(t *testing.T) {
	t.Run("unknown driver", func(t *testing.T) {
		cfg := map[string]any{"settings": map[string]any{
			"scanner": map[string]any{"bus": map[string]any{"driver": "nats"}},
		}}
		err := validateStartupConfigWithGetter(newMapConfigGetter(cfg))
		require.Error(t, err)
		require.Contains(t, err.Error(), "settings.scanner.bus.driver")
	})

	t.Run("kafka without brokers", func(t *testing.T) {
		cfg := map[string]any{"settings": map[string]any{
			"scanner": map[string]any{"bus": map[string]any{"driver": "kafka"}},
		}}
		err := validateStartupConfigWithGetter(newMapConfigGetter(cfg))
		require.Error(t, err)
		require.Contains(t, err.Error(), "settings.kafka.brokers")
	})

	t.Run("kafka brokers from a comma list", func(t *testing.T) {
		cfg := map[string]any{"settings": map[string]any{
			"scanner": map[string]any{"bus": map[string]any{"driver": "Kafka"}},
			"kafka":   map[string]any{"brokers": "k1:9092, k2:9092"},
		}}
		require.NoError(t, validateStartupConfigWithGetter(newMapConfigGetter(cfg)))
	})
}

func TestValidateStartupConfigWithGetterQuarantine(t *testing.T) {
	cfg := map[string]any{"settings": map[string]any{
		"scanner": map[string]any{"quarantine": map[string]any{"enabled": true}},
	}}

	err := validateStartupConfigWithGetter(newMapConfigGetter(cfg))
	require.Error(t, err)
	require.Contains(t, err.Error(), "settings.scanner.quarantine.bucket")
	require.Contains(t, err.Error(), "settings.minio.endpoint")

	cfg["settings"].(map[string]any)["scanner"] = map[string]any{
		"quarantine": map[string]any{"enabled": false},
	}
	require.NoError(t, validateStartupConfigWithGetter(newMapConfigGetter(cfg)))
}

func TestValidateRoleConfigWithGetter(t *testing.T) {
	noToken := newMapConfigGetter(map[string]any{})
	blankToken := newMapConfigGetter(map[string]any{"settings": map[string]any{
		"scanner": map[string]any{"internal_token": "  "},
	}})
	withToken := newMapConfigGetter(map[string]any{"settings": map[string]any{
		"scanner": map[string]any{"internal_token": "secret"},
	}})

	for _, role := range []string{"bot", "standalone"} {
		err := validateRoleConfigWithGetter(role, noToken)
		require.Error(t, err, role)
		require.Contains(t, err.Error(), "settings.scanner.internal_token")
		require.Error(t, validateRoleConfigWithGetter(role, blankToken), role)
		require.NoError(t, validateRoleConfigWithGetter(role, withToken), role)
	}

	require.NoError(t, validateRoleConfigWithGetter("scanner", noToken))
	require.Error(t, validateRoleConfigWithGetter("bot", nil))
}

// newMapConfigGetter builds a dotted-path getter for nested map-based test configuration.
func newMapConfigGetter(root map[string]any) configGetter {
	return func(key string) any {
		if key == "" {
			return nil
		}

		parts := strings.Split(key, ".")
		var current any = root
		for _, part := range parts {
			nextMap, ok := current.(map[string]any)
			if !ok {
				return nil
			}

			next, exists := nextMap[part]
			if !exists {
				return nil
			}
			current = next
		}

		return current
	}
}
