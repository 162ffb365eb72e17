package scan

import (
	"fmt"
	"strings"
	"time"

	gconfig "github.com/Laisky/go-config/v2"
)

const (
	// BusDriverRedis selects redis pub/sub as the notification bus.
	BusDriverRedis = "redis"
	// BusDriverKafka selects kafka topics as the notification bus.
	BusDriverKafka = "kafka"

	// ClassifierModeFast checks executables and the chat's extension policy.
	ClassifierModeFast = "fast"
	// ClassifierModeThorough also runs the archive, document and script heuristics.
	ClassifierModeThorough = "thorough"
)

// Settings captures runtime configuration for the scanning pipeline.
type Settings struct {
	MaxFileBytes  int64
	InternalToken string
	Fetch         FetchSettings
	Classifier    ClassifierSettings
	Queue         QueueSettings
	Bus           BusSettings
	Dedup         DedupSettings
	Policy        PolicySettings
	Quarantine    QuarantineSettings
	Resolver      ResolverSettings
	Intake        IntakeSettings
}

// FetchSettings configures the bounded CDN fetcher.
type FetchSettings struct {
	ByteCeiling int64
	Timeout     time.Duration
	MaxRetries  int
	RetryBase   time.Duration
}

// ClassifierSettings selects how fetched headers are judged.
type ClassifierSettings struct {
	Mode string
}

// QueueSettings configures each tenant queue.
type QueueSettings struct {
	Concurrency int
	Interval    time.Duration
	IntervalCap int
}

// BusSettings configures the notification bus.
type BusSettings struct {
	Driver            string
	ScanTopic         string
	DeleteTopicPrefix string
	KafkaBrokers      []string
	KafkaGroupID      string
}

// DedupSettings configures cross-process duplicate suppression.
type DedupSettings struct {
	Enabled bool
	TTL     time.Duration
}

// PolicySettings configures the extension policy cache.
type PolicySettings struct {
	CacheSize int
	CacheTTL  time.Duration
}

// QuarantineSettings configures sample upload of dangerous files.
type QuarantineSettings struct {
	Enabled bool
	Bucket  string
	Prefix  string
}

// ResolverSettings configures the cross-process file-link resolver client.
type ResolverSettings struct {
	Endpoint string
	Timeout  time.Duration
}

// IntakeSettings configures the HTTP fallback used when a scan request
// cannot be published on the bus.
type IntakeSettings struct {
	Endpoint string
	Timeout  time.Duration
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		MaxFileBytes: 20 * 1024 * 1024,
		Fetch: FetchSettings{
			ByteCeiling: 64 * 1024,
			Timeout:     8 * time.Second,
			MaxRetries:  6,
			RetryBase:   600 * time.Millisecond,
		},
		Classifier: ClassifierSettings{
			Mode: ClassifierModeFast,
		},
		Queue: QueueSettings{
			Concurrency: 1,
			Interval:    time.Second,
			IntervalCap: 2,
		},
		Bus: BusSettings{
			Driver:            BusDriverRedis,
			ScanTopic:         "filescan.scan_requested",
			DeleteTopicPrefix: "filescan.delete.",
			KafkaGroupID:      "filescan-scanner",
		},
		Dedup: DedupSettings{
			TTL: 5 * time.Minute,
		},
		Policy: PolicySettings{
			CacheSize: 4096,
			CacheTTL:  time.Minute,
		},
		Quarantine: QuarantineSettings{
			Prefix: "quarantine",
		},
		Resolver: ResolverSettings{
			Timeout: 5 * time.Second,
		},
		Intake: IntakeSettings{
			Timeout: 5 * time.Second,
		},
	}
}

// LoadSettingsFromConfig reads configuration and applies safe defaults.
func LoadSettingsFromConfig() Settings {
	def := DefaultSettings()
	settings := Settings{
		MaxFileBytes:  int64FromConfig("settings.scanner.max_file_bytes", def.MaxFileBytes),
		InternalToken: strings.TrimSpace(gconfig.S.GetString("settings.scanner.internal_token")),
		Fetch: FetchSettings{
			ByteCeiling: int64FromConfig("settings.scanner.scan_byte_ceiling", def.Fetch.ByteCeiling),
			Timeout:     msFromConfig("settings.scanner.fetch_timeout_ms", def.Fetch.Timeout),
			MaxRetries:  intFromConfig("settings.scanner.fetch_max_retries", def.Fetch.MaxRetries),
			RetryBase:   msFromConfig("settings.scanner.fetch_retry_base_ms", def.Fetch.RetryBase),
		},
		Classifier: ClassifierSettings{
			Mode: strings.ToLower(strings.TrimSpace(gconfig.S.GetString("settings.scanner.classifier.mode"))),
		},
		Queue: QueueSettings{
			Concurrency: intFromConfig("settings.scanner.queue.concurrency", def.Queue.Concurrency),
			Interval:    msFromConfig("settings.scanner.queue.interval_ms", def.Queue.Interval),
			IntervalCap: intFromConfig("settings.scanner.queue.interval_cap", def.Queue.IntervalCap),
		},
		Bus: BusSettings{
			Driver:            strings.ToLower(strings.TrimSpace(gconfig.S.GetString("settings.scanner.bus.driver"))),
			ScanTopic:         strings.TrimSpace(gconfig.S.GetString("settings.scanner.bus.scan_topic")),
			DeleteTopicPrefix: strings.TrimSpace(gconfig.S.GetString("settings.scanner.bus.delete_topic_prefix")),
			KafkaBrokers:      gconfig.S.GetStringSlice("settings.kafka.brokers"),
			KafkaGroupID:      strings.TrimSpace(gconfig.S.GetString("settings.kafka.group_id")),
		},
		Dedup: DedupSettings{
			Enabled: boolFromConfig("settings.scanner.dedup.enabled", false),
			TTL:     time.Duration(intFromConfig("settings.scanner.dedup.ttl_seconds", 300)) * time.Second,
		},
		Policy: PolicySettings{
			CacheSize: intFromConfig("settings.scanner.policy.cache_size", def.Policy.CacheSize),
			CacheTTL:  time.Duration(intFromConfig("settings.scanner.policy.cache_ttl_seconds", 60)) * time.Second,
		},
		Quarantine: QuarantineSettings{
			Enabled: boolFromConfig("settings.scanner.quarantine.enabled", false),
			Bucket:  strings.TrimSpace(gconfig.S.GetString("settings.scanner.quarantine.bucket")),
			Prefix:  strings.Trim(strings.TrimSpace(gconfig.S.GetString("settings.scanner.quarantine.prefix")), "/"),
		},
		Resolver: ResolverSettings{
			Endpoint: strings.TrimSuffix(strings.TrimSpace(gconfig.S.GetString("settings.scanner.resolver.endpoint")), "/"),
			Timeout:  msFromConfig("settings.scanner.resolver.timeout_ms", def.Resolver.Timeout),
		},
		Intake: IntakeSettings{
			Endpoint: strings.TrimSuffix(strings.TrimSpace(gconfig.S.GetString("settings.scanner.intake.endpoint")), "/"),
			Timeout:  msFromConfig("settings.scanner.intake.timeout_ms", def.Intake.Timeout),
		},
	}

	return settings.normalize(def)
}

// normalize clamps invalid values back to def.
func (s Settings) normalize(def Settings) Settings {
	if s.MaxFileBytes <= 0 {
		s.MaxFileBytes = def.MaxFileBytes
	}
	if s.Fetch.ByteCeiling <= 0 {
		s.Fetch.ByteCeiling = def.Fetch.ByteCeiling
	}
	if s.Fetch.Timeout <= 0 {
		s.Fetch.Timeout = def.Fetch.Timeout
	}
	if s.Fetch.MaxRetries < 0 {
		s.Fetch.MaxRetries = 0
	}
	if s.Fetch.RetryBase < 0 {
		s.Fetch.RetryBase = def.Fetch.RetryBase
	}
	switch s.Classifier.Mode {
	case ClassifierModeFast, ClassifierModeThorough:
	default:
		s.Classifier.Mode = def.Classifier.Mode
	}
	if s.Queue.Concurrency <= 0 {
		s.Queue.Concurrency = def.Queue.Concurrency
	}
	if s.Queue.Interval <= 0 {
		s.Queue.Interval = def.Queue.Interval
	}
	if s.Queue.IntervalCap <= 0 {
		s.Queue.IntervalCap = def.Queue.IntervalCap
	}
	switch s.Bus.Driver {
	case BusDriverRedis, BusDriverKafka:
	default:
		s.Bus.Driver = def.Bus.Driver
	}
	if s.Bus.ScanTopic == "" {
		s.Bus.ScanTopic = def.Bus.ScanTopic
	}
	if s.Bus.DeleteTopicPrefix == "" {
		s.Bus.DeleteTopicPrefix = def.Bus.DeleteTopicPrefix
	}
	if s.Bus.KafkaGroupID == "" {
		s.Bus.KafkaGroupID = def.Bus.KafkaGroupID
	}
	if s.Dedup.TTL <= 0 {
		s.Dedup.TTL = def.Dedup.TTL
	}
	if s.Policy.CacheSize <= 0 {
		s.Policy.CacheSize = def.Policy.CacheSize
	}
	if s.Policy.CacheTTL <= 0 {
		s.Policy.CacheTTL = def.Policy.CacheTTL
	}
	if s.Quarantine.Prefix == "" {
		s.Quarantine.Prefix = def.Quarantine.Prefix
	}
	if s.Resolver.Timeout <= 0 {
		s.Resolver.Timeout = def.Resolver.Timeout
	}
	if s.Intake.Timeout <= 0 {
		s.Intake.Timeout = def.Intake.Timeout
	}

	return s
}

// msFromConfig reads a millisecond value as a duration.
func msFromConfig(key string, def time.Duration) time.Duration {
	return time.Duration(int64FromConfig(key, def.Milliseconds())) * time.Millisecond
}

// intFromConfig reads an int configuration value with a default fallback.
func intFromConfig(key string, def int) int {
	return int(int64FromConfig(key, int64(def)))
}

// int64FromConfig reads an int64 configuration value with a default fallback.
func int64FromConfig(key string, def int64) int64 {
	value := gconfig.S.Get(key)
	switch v := value.(type) {
	case nil:
		return def
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return def
		}
		var parsed int64
		if _, err := fmt.Sscanf(trimmed, "%d", &parsed); err != nil {
			return def
		}
		return parsed
	default:
		return def
	}
}

// boolFromConfig reads a boolean configuration value with a default fallback.
func boolFromConfig(key string, def bool) bool {
	value := gconfig.S.Get(key)
	switch v := value.(type) {
	case nil:
		return def
	case bool:
		return v
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		default:
			return def
		}
	default:
		return def
	}
}
