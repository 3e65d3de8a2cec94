package settings

// DB config keys for runtime overrides of the file configuration.
const (
	// LimitsMissBehaviorKey overrides limits.miss-behavior ("USE_DEFAULT" or "REJECT").
	LimitsMissBehaviorKey = "LIMITS_MISS_BEHAVIOR"
	// LimitsSweepBatchSizeKey overrides limits.scheduler.batch-size.
	LimitsSweepBatchSizeKey = "LIMITS_SWEEP_BATCH_SIZE"
	// LedgerRetentionDaysKey controls how long ledger rows are kept; 0 keeps them forever.
	LedgerRetentionDaysKey = "LEDGER_RETENTION_DAYS"
	// DefaultLedgerRetentionDays is the fallback ledger retention.
	DefaultLedgerRetentionDays = 0
)

type valueKind int

const (
	kindString valueKind = iota
	kindInt
)

// KnownKeys lists the keys accepted by the admin settings endpoint.
var KnownKeys = []string{
	LimitsMissBehaviorKey,
	LimitsSweepBatchSizeKey,
	LedgerRetentionDaysKey,
}

var keyKinds = map[string]valueKind{
	LimitsMissBehaviorKey:   kindString,
	LimitsSweepBatchSizeKey: kindInt,
	LedgerRetentionDaysKey:  kindInt,
}

// IsKnownKey reports whether key is a supported override.
func IsKnownKey(key string) bool {
	_, ok := keyKinds[key]
	return ok
}
