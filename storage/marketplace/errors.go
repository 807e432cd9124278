package marketplace

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"agentwork-backend/core/marketplace"
)

var (
	ErrAgentNotFound        = marketplace.NotFoundf("agent not found")
	ErrTaskNotFound         = marketplace.NotFoundf("task not found")
	ErrBidNotFound          = marketplace.NotFoundf("bid not found")
	ErrTransactionNotFound  = marketplace.NotFoundf("transaction not found")
	ErrDisputeNotFound      = marketplace.NotFoundf("dispute not found")
	ErrWorkflowNotFound     = marketplace.NotFoundf("workflow not found")
	ErrTrustScoreNotFound   = marketplace.NotFoundf("trust score not found")
	ErrNotificationNotFound = marketplace.NotFoundf("notification not found")

	ErrDuplicateBid       = marketplace.Conflictf("agent already bid on this task")
	ErrActiveDispute      = marketplace.Conflictf("task already has an active dispute")
	ErrDuplicateID        = marketplace.Conflictf("record with this id already exists")
	ErrConfirmedImmutable = marketplace.Conflictf("confirmed transactions are immutable")
	ErrReadOnly           = errors.New("write in read-only transaction")
)

const pgUniqueViolation = "23505"

// mapPGError turns driver errors into ledger errors. notFound is returned for pgx.ErrNoRows.
func mapPGError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		switch pgErr.ConstraintName {
		case "market_bids_task_agent_key":
			return ErrDuplicateBid
		case "market_disputes_one_active":
			return ErrActiveDispute
		default:
			return ErrDuplicateID
		}
	}
	return err
}
