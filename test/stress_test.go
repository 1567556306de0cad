package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"dispatchflow/auth"
	"dispatchflow/dispatch"
	"dispatchflow/test/actors"
	"dispatchflow/test/chaos"
	"dispatchflow/test/infra"
	"dispatchflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 6, "number of contractors racing for claims")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while running")
)

func TestDispatchClaimStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in short mode")
	}
	seed := *flSeed
	rand.Seed(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	var (
		dsn      string
		isolated bool
	)
	switch {
	case *flDSN != "":
		dsn, isolated = *flDSN, true
	case os.Getenv(infra.DSNEnv) != "":
		dsn, isolated = os.Getenv(infra.DSNEnv), true
	case dockerAvailable(ctx):
		pgC, started, err := infra.StartPostgres(ctx)
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
		defer pgC.Terminate(context.Background())
		dsn = started
	default:
		t.Skipf("no database: set -dsn, %s, or make docker available", infra.DSNEnv)
	}

	pool, teardown, err := infra.MigratedPool(ctx, dsn, isolated)
	if err != nil {
		t.Fatalf("migrated pool: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	users := auth.NewRepository(pool)
	gw := dispatch.NewGateway(dispatch.NewPGStore(pool), users)
	requestors, contractors := mustSeed(t, ctx, users, *flConcurrency)
	ledger := actors.NewLedger()

	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for _, r := range requestors {
		g.Go(func() error { return actors.Requestor(gctx, gw, r, stop) })
	}
	for _, c := range contractors {
		g.Go(func() error { return actors.Claimer(gctx, gw, c, ledger, stop) })
		g.Go(func() error { return actors.Progressor(gctx, gw, c, stop) })
	}
	if *flChaos {
		go chaos.TerminateRandomBackend(gctx, pool, 2*time.Second, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

loop:
	for time.Now().Before(deadline) {
		select {
		case <-gctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(gctx, pool)
			if err != nil {
				if gctx.Err() != nil {
					break loop
				}
				// a terminated backend can take the oracle connection with it
				t.Logf("oracle %s skipped: %v", name, err)
				continue
			}
			if name != "" {
				dumpRecent(t, ctx, pool)
				t.Fatalf("oracle %s failed. first row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		dumpRecent(t, ctx, pool)
		t.Fatalf("actors errored: %v (seed=%d)", err, seed)
	}
	t.Logf("claims observed: %d (seed=%d)", ledger.Len(), seed)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func mustSeed(t *testing.T, ctx context.Context, users *auth.PGRepository, contractors int) ([]auth.Identity, []auth.Identity) {
	t.Helper()
	mk := func(name string, role auth.Role) auth.Identity {
		u, err := users.CreateUser(ctx, auth.CreateUserParams{
			Username:     fmt.Sprintf("%s-%d@example.com", name, rand.Int63()),
			FirstName:    "Stress",
			LastName:     name,
			PasswordHash: "x",
			Role:         role,
		})
		if err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
		return auth.Identity{UserID: u.ID, Role: u.Role}
	}
	reqs := []auth.Identity{mk("rider-a", auth.RoleRequestor), mk("rider-b", auth.RoleRequestor)}
	cons := make([]auth.Identity, 0, contractors)
	for i := 0; i < contractors; i++ {
		cons = append(cons, mk(fmt.Sprintf("driver-%d", i), auth.RoleContractor))
	}
	return reqs, cons
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	rows, err := pool.Query(ctx, `SELECT id, status, requestor_id, contractor_id, updated_at FROM dispatches ORDER BY updated_at DESC LIMIT 50`)
	if err != nil {
		t.Logf("dump dispatches error: %v", err)
		return
	}
	defer rows.Close()
	cols := rows.FieldDescriptions()
	t.Logf("-- dispatches --")
	for rows.Next() {
		vals, _ := rows.Values()
		buf := make([]any, 0, len(vals))
		for i := range vals {
			buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
		}
		t.Logf("%s", buf)
	}
}
