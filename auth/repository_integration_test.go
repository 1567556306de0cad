package auth

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"dispatchflow/test/infra"
)

func TestPGRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, teardown, err := infra.MigratedPool(ctx, dsn, true)
	if err != nil {
		t.Fatalf("migrated pool: %v", err)
	}
	defer func() {
		pool.Close()
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	repo := NewRepository(pool)

	driver, err := repo.CreateUser(ctx, CreateUserParams{
		Username:     "driver@example.com",
		FirstName:    "Dana",
		LastName:     "Driver",
		PasswordHash: "hash",
		Role:         RoleContractor,
	})
	if err != nil {
		t.Fatalf("create contractor: %v", err)
	}
	if driver.ID == "" || driver.Role != RoleContractor {
		t.Fatalf("unexpected contractor row: %+v", driver)
	}

	if _, err := repo.CreateUser(ctx, CreateUserParams{Username: "driver@example.com", PasswordHash: "hash"}); !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername, got %v", err)
	}

	plain, err := repo.CreateUser(ctx, CreateUserParams{Username: "plain@example.com", PasswordHash: "hash"})
	if err != nil {
		t.Fatalf("create role-less user: %v", err)
	}
	if plain.Role != RoleNone {
		t.Fatalf("expected empty role, got %q", plain.Role)
	}

	got, err := repo.GetUserByUsername(ctx, "driver@example.com")
	if err != nil || got.ID != driver.ID {
		t.Fatalf("get by username: %+v (%v)", got, err)
	}
	got, err = repo.GetUserByID(ctx, driver.ID)
	if err != nil || got.Username != driver.Username {
		t.Fatalf("get by id: %+v (%v)", got, err)
	}

	if _, err := repo.GetUserByID(ctx, "not-a-uuid"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound for malformed id, got %v", err)
	}
	if _, err := repo.GetUserByUsername(ctx, "ghost@example.com"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
