package cmd

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	errors "github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"

	"github.com/Laisky/telegram-filescan/internal/scan"
)

// configGetter retrieves raw configuration values by dotted key path.
type configGetter func(key string) any

// validateStartupConfig validates the loaded configuration before any
// connection is opened.
func validateStartupConfig() error {
	return validateStartupConfigWithGetter(func(key string) any {
		return gconfig.S.Get(key)
	})
}

// validateStartupConfigWithGetter collects every malformed value instead of
// stopping at the first one.
func validateStartupConfigWithGetter(get configGetter) error {
	if get == nil {
		return errors.New("config getter is nil")
	}

	validationErrs := make([]string, 0)

	validateStoreConfig(get, &validationErrs)
	validateScannerConfig(get, &validationErrs)
	validateBusConfig(get, &validationErrs)
	validateQuarantineConfig(get, &validationErrs)
	validateBotConfig(get, &validationErrs)

	if len(validationErrs) == 0 {
		return nil
	}

	return errors.Errorf("invalid configuration:\n - %s", strings.Join(validationErrs, "\n - "))
}

// validateRoleConfig checks what only some commands need.
func validateRoleConfig(role string) error {
	return validateRoleConfigWithGetter(role, func(key string) any {
		return gconfig.S.Get(key)
	})
}

// validateRoleConfigWithGetter requires the internal token for commands
// serving the file-link route.
func validateRoleConfigWithGetter(role string, get configGetter) error {
	if get == nil {
		return errors.New("config getter is nil")
	}

	switch role {
	case "bot", "standalone":
		token, err := parseStrictString(get("settings.scanner.internal_token"))
		if err != nil || strings.TrimSpace(token) == "" {
			return errors.Errorf("settings.scanner.internal_token is required by the %s command", role)
		}
	}

	return nil
}

func validateStoreConfig(get configGetter, errs *[]string) {
	validateOptionalStringNonEmpty(get, "settings.db.filescan.addr", errs)
	validateOptionalStringNonEmpty(get, "settings.db.filescan.db", errs)
	validateOptionalStringNonEmpty(get, "settings.redis.addr", errs)
	validateOptionalIntMin(get, "settings.redis.db", 0, errs)
}

// validateScannerConfig checks the numeric knobs of the scan pipeline.
func validateScannerConfig(get configGetter, errs *[]string) {
	validateOptionalInt64Min(get, "settings.scanner.max_file_bytes", 1, errs)
	validateOptionalInt64Min(get, "settings.scanner.scan_byte_ceiling", 1, errs)
	validateOptionalIntMin(get, "settings.scanner.fetch_timeout_ms", 1, errs)
	validateOptionalIntMin(get, "settings.scanner.fetch_max_retries", 0, errs)
	validateOptionalIntMin(get, "settings.scanner.fetch_retry_base_ms", 0, errs)
	validateOptionalOneOf(get, "settings.scanner.classifier.mode", errs,
		scan.ClassifierModeFast, scan.ClassifierModeThorough)
	validateOptionalIntMin(get, "settings.scanner.queue.concurrency", 1, errs)
	validateOptionalIntMin(get, "settings.scanner.queue.interval_ms", 1, errs)
	validateOptionalIntMin(get, "settings.scanner.queue.interval_cap", 1, errs)
	validateOptionalBool(get, "settings.scanner.dedup.enabled", errs)
	validateOptionalIntMin(get, "settings.scanner.dedup.ttl_seconds", 1, errs)
	validateOptionalIntMin(get, "settings.scanner.policy.cache_size", 1, errs)
	validateOptionalIntMin(get, "settings.scanner.policy.cache_ttl_seconds", 0, errs)
	validateOptionalURL(get, "settings.scanner.resolver.endpoint", errs)
	validateOptionalIntMin(get, "settings.scanner.resolver.timeout_ms", 1, errs)
	validateOptionalURL(get, "settings.scanner.intake.endpoint", errs)
	validateOptionalIntMin(get, "settings.scanner.intake.timeout_ms", 1, errs)
}

// validateBusConfig requires brokers when the kafka driver is selected.
func validateBusConfig(get configGetter, errs *[]string) {
	validateOptionalStringNonEmpty(get, "settings.scanner.bus.scan_topic", errs)

	raw := get("settings.scanner.bus.driver")
	if raw == nil {
		return
	}
	driver, err := parseStrictString(raw)
	if err != nil {
		appendValidationError(errs, "settings.scanner.bus.driver must be a string")
		return
	}

	switch strings.ToLower(strings.TrimSpace(driver)) {
	case scan.BusDriverRedis:
	case scan.BusDriverKafka:
		brokers := gconfigStrings(get("settings.kafka.brokers"))
		if len(brokers) == 0 {
			appendValidationError(errs, "settings.kafka.brokers is required by the kafka bus driver")
		}
		for _, broker := range brokers {
			if !isValidHost(broker) {
				appendValidationError(errs, "settings.kafka.brokers has invalid broker %q", broker)
			}
		}
	default:
		appendValidationError(errs, "settings.scanner.bus.driver must be %q or %q",
			scan.BusDriverRedis, scan.BusDriverKafka)
	}
}

// validateQuarantineConfig requires a bucket and an endpoint once uploads are enabled.
func validateQuarantineConfig(get configGetter, errs *[]string) {
	validateOptionalBool(get, "settings.minio.secure", errs)

	raw := get("settings.scanner.quarantine.enabled")
	if raw == nil {
		return
	}
	enabled, ok := parseStrictBool(raw)
	if !ok {
		appendValidationError(errs, "settings.scanner.quarantine.enabled must be a boolean")
		return
	}
	if !enabled {
		return
	}

	for _, key := range []string{"settings.scanner.quarantine.bucket", "settings.minio.endpoint"} {
		value, err := parseStrictString(get(key))
		if err != nil || strings.TrimSpace(value) == "" {
			appendValidationError(errs, "%s is required when quarantine is enabled", key)
		}
	}
}

func validateBotConfig(get configGetter, errs *[]string) {
	validateOptionalURL(get, "settings.bot.api", errs)

	raw := get("settings.bot.advertise_addr")
	if raw == nil {
		return
	}
	addr, err := parseStrictString(raw)
	if err != nil || !isValidHost(addr) {
		appendValidationError(errs, "settings.bot.advertise_addr must be a host[:port]")
	}
}

func validateOptionalBool(get configGetter, key string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	if _, ok := parseStrictBool(raw); !ok {
		appendValidationError(errs, "%s must be a boolean", key)
	}
}

func validateOptionalIntMin(get configGetter, key string, min int, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictInt(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be an integer", key)
		return
	}

	if value < min {
		appendValidationError(errs, "%s must be >= %d", key, min)
	}
}

func validateOptionalInt64Min(get configGetter, key string, min int64, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictInt64(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be an integer", key)
		return
	}

	if value < min {
		appendValidationError(errs, "%s must be >= %d", key, min)
	}
}

func validateOptionalOneOf(get configGetter, key string, errs *[]string, allowed ...string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, err := parseStrictString(raw)
	if err != nil {
		appendValidationError(errs, "%s must be a string", key)
		return
	}
	value = strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range allowed {
		if value == candidate {
			return
		}
	}
	appendValidationError(errs, "%s must be one of %s", key, strings.Join(allowed, ", "))
}

// validateOptionalURL validates an optionally configured absolute URL key.
func validateOptionalURL(get configGetter, key string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictString(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be a string URL", key)
		return
	}

	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		appendValidationError(errs, "%s must be a valid absolute URL", key)
	}
}

func validateOptionalStringNonEmpty(get configGetter, key string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictString(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be a string", key)
		return
	}

	if strings.TrimSpace(value) == "" {
		appendValidationError(errs, "%s must not be empty", key)
	}
}

// parseStrictBool accepts booleans, integral numbers and the usual
// true/false spellings.
func parseStrictBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case int:
		return v != 0, true
	case int64:
		return v != 0, true
	case float64:
		if math.Trunc(v) != v {
			return false, false
		}
		return int64(v) != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		default:
			return false, false
		}
	default:
		return false, false
	}
}

func parseStrictInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if math.Trunc(v) != v {
			return 0, errors.Errorf("%v is not an integer", v)
		}
		return int(v), nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, errors.New("empty integer string")
		}
		parsed, err := strconv.Atoi(trimmed)
		if err != nil {
			return 0, errors.Wrap(err, "atoi")
		}
		return parsed, nil
	default:
		return 0, errors.Errorf("unsupported int type %T", value)
	}
}

func parseStrictInt64(value any) (int64, error) {
	parsed, err := parseStrictInt(value)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int64(parsed), nil
}

func parseStrictString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", errors.Errorf("unsupported string type %T", value)
	}
}

// gconfigStrings reads a list value the way yaml and flags deliver it.
func gconfigStrings(value any) []string {
	var out []string
	switch v := value.(type) {
	case []string:
		out = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		out = strings.Split(v, ",")
	}

	var cleaned []string
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned
}

// isValidHost accepts host or host:port without scheme or path.
func isValidHost(host string) bool {
	trimmed := strings.TrimSpace(host)
	if trimmed == "" {
		return false
	}
	if strings.Contains(trimmed, "://") || strings.Contains(trimmed, "/") {
		return false
	}
	return true
}

func appendValidationError(errs *[]string, format string, args ...any) {
	if errs == nil {
		return
	}
	*errs = append(*errs, fmt.Sprintf(format, args...))
}
