package redis

const (
	keyPrefix = "filescan/"

	// KeyPrefixClaim is the key prefix for cross-process scan claims, suffixed by file fingerprint
	KeyPrefixClaim = keyPrefix + "claims/"
	// KeyPrefixDangerJournal is the key prefix for per-tenant dangerous file journals
	KeyPrefixDangerJournal = keyPrefix + "dangers/"
)
