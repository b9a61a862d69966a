package brushstroke

const (
	operationBalance    = "balance"
	operationRenew      = "renew"
	operationUsage      = "usage"
	operationPurchase   = "purchase"
	operationRefund     = "refund"
	operationAdminGrant = "admin_grant"
	operationList       = "list"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	subjectOracle      = "oracle"
	subjectAccount     = "account"
	subjectTransaction = "transaction"

	codeUnavailable  = "unavailable"
	codeConflict     = "conflict"
	codeInsufficient = "insufficient"

	// Counter updates lose compare-and-swap races under concurrent requests
	// for the same user; the conflict is transient, so the engine re-reads
	// and retries a bounded number of times before surfacing the failure.
	defaultMaxConflictRetries = 3
)
