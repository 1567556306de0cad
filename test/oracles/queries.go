package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All lists queries that must return no rows while the system is healthy.
func All() []Oracle {
	return []Oracle{
		{
			Name: "unassigned_beyond_requested",
			SQL:  `SELECT id, status FROM dispatches WHERE status <> 'REQUESTED' AND contractor_id IS NULL`,
		},
		{
			Name: "updated_before_created",
			SQL:  `SELECT id, created_at, updated_at FROM dispatches WHERE updated_at < created_at`,
		},
		{
			Name: "contractor_role",
			SQL: `SELECT d.id, u.username, u.role FROM dispatches d
                  JOIN users u ON u.id = d.contractor_id
                  WHERE u.role IS DISTINCT FROM 'contractor'`,
		},
		{
			Name: "requestor_role",
			SQL: `SELECT d.id, u.username, u.role FROM dispatches d
                  JOIN users u ON u.id = d.requestor_id
                  WHERE u.role IS DISTINCT FROM 'requestor'`,
		},
		{
			Name: "blank_locations",
			SQL: `SELECT id FROM dispatches
                  WHERE btrim(request_location) = '' OR btrim(destination) = ''`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
