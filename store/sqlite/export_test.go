package sqlite

import (
	"context"

	"github.com/taiyaki/reward-engine/redemption"
)

// ExecForTest runs a raw statement inside a scope.
func ExecForTest(ctx context.Context, tx redemption.Tx, query string) error {
	_, err := tx.(*txStore).q.ExecContext(ctx, query)
	return err
}
