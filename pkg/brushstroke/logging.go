package brushstroke

import "context"

// EngineOption configures an Engine instance.
type EngineOption func(*Engine)

// OperationLogger records domain-level events emitted by Engine operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing balance operation.
type OperationLog struct {
	Operation     string
	UserID        UserID
	Type          TransactionType
	Amount        int64
	GenerationRef string
	PaymentRef    string
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

// WithMaxConflictRetries overrides the bounded retry count for lost
// compare-and-swap races.
func WithMaxConflictRetries(retries int) EngineOption {
	return func(engine *Engine) {
		if retries > 0 {
			engine.maxConflictRetries = retries
		}
	}
}
