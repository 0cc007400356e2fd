// Package permission implements the permission oracle on top of the
// persistence service's database.
//
// The oracle is consulted on every subscribe and on every fan-out decision,
// so it is guarded by a circuit breaker and concurrent lookups for the same
// (user, board) pair are collapsed with singleflight. Results are never
// cached across events: a fan-out burst dedupes in-flight queries only.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/NoooNlIoN/kanban-backend/internal/domain"
	"github.com/NoooNlIoN/kanban-backend/internal/metrics"
)

// roleQuery resolves a user's role on a board in one round trip. Superusers
// hold owner on every board regardless of membership.
const roleQuery = `
SELECT u.is_superuser, bu.role
FROM users u
LEFT JOIN board_users bu ON bu.user_id = u.id AND bu.board_id = $2
WHERE u.id = $1
`

// Querier is the subset of pgxpool.Pool the oracle needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresOracle answers access-level queries from the board_users table.
type PostgresOracle struct {
	db      Querier
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
}

// NewPostgresOracle creates an oracle over the given connection pool.
func NewPostgresOracle(db Querier) *PostgresOracle {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "permission-oracle",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.TotalFailures*10 >= counts.Requests*6
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			slog.Warn("Permission oracle circuit state changed", "from", from.String(), "to", to.String())
			metrics.OracleCircuitState.Set(breakerStateToFloat(to))
		},
	})
	return &PostgresOracle{db: db, breaker: breaker}
}

func breakerStateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// Level returns the user's current access level on the board. A missing user
// or membership row means AccessNone. Database failures surface as errors so
// the caller can fail closed rather than deliver to an unverified target.
func (o *PostgresOracle) Level(ctx context.Context, userID, boardID int64) (domain.AccessLevel, error) {
	key := fmt.Sprintf("%d:%d", userID, boardID)
	result, err, _ := o.group.Do(key, func() (any, error) {
		return o.breaker.Execute(func() (any, error) {
			return o.query(ctx, userID, boardID)
		})
	})
	if err != nil {
		metrics.PermissionChecks.WithLabelValues("error").Inc()
		return domain.AccessNone, err
	}

	level := result.(domain.AccessLevel)
	if level.CanRead() {
		metrics.PermissionChecks.WithLabelValues("granted").Inc()
	} else {
		metrics.PermissionChecks.WithLabelValues("denied").Inc()
	}
	return level, nil
}

func (o *PostgresOracle) query(ctx context.Context, userID, boardID int64) (domain.AccessLevel, error) {
	var isSuperuser bool
	var role *string

	err := o.db.QueryRow(ctx, roleQuery, userID, boardID).Scan(&isSuperuser, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AccessNone, nil
	}
	if err != nil {
		return domain.AccessNone, fmt.Errorf("permission lookup for user %d board %d: %w", userID, boardID, err)
	}

	if isSuperuser {
		return domain.AccessOwner, nil
	}
	if role == nil {
		return domain.AccessNone, nil
	}
	return domain.ParseAccessLevel(*role), nil
}
