package constants

// OutboxStatus is the canonical status for rows in outbox_records.
type OutboxStatus string

// Stable values (store these exact strings in DB).
const (
	OutboxPending  OutboxStatus = "PENDING"   // due for delivery
	OutboxInFlight OutboxStatus = "IN_FLIGHT" // claimed under a lease

	// OutboxDone names the acknowledged terminal state. Ack deletes the
	// row instead of updating it, so this value is never persisted; it
	// exists so logs and operator tooling have a name for the state.
	OutboxDone OutboxStatus = "DONE"

	OutboxDeadLettered OutboxStatus = "DEAD_LETTERED" // exhausted delivery attempts
)
