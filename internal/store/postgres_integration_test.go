package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap/zaptest"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("MUSE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("MUSE_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, Migrations()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := RevertMigrations(ctx, db, Migrations()); err != nil {
		t.Fatalf("revert migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, Migrations()); err != nil {
		t.Fatalf("apply migrations (pass 2): %v", err)
	}
}

func TestPostgresSuggestionLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := NewPostgresStore(db)

	if err := s.InsertProject(ctx, "p1", "Project"); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	item := Suggestion{
		ID:         "sug_1",
		ToolCallID: "call-1",
		ProjectID:  "p1",
		TargetKind: "node",
		ToolName:   "create_entity",
		Operation:  "entity.create",
		Patch:      map[string]any{"name": "Ada"},
		Status:     StatusProposed,
		Actor:      Actor{Kind: "agent", ID: "agent-1"},
	}
	inserted, err := s.InsertSuggestion(ctx, item)
	if err != nil || !inserted {
		t.Fatalf("insert suggestion = %v, %v", inserted, err)
	}
	item.ID = "sug_2"
	inserted, err = s.InsertSuggestion(ctx, item)
	if err != nil || inserted {
		t.Fatalf("duplicate insert = %v, %v; want false, nil", inserted, err)
	}

	ok, err := s.UpdateSuggestionPreflight(ctx, "sug_1", PreflightResult{Status: PreflightOK, ComputedAt: time.Now()}, "e1")
	if err != nil || !ok {
		t.Fatalf("update preflight = %v, %v", ok, err)
	}
	if ok, err = s.ClaimSuggestion(ctx, "sug_1", "u1"); err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	if ok, err = s.ClaimSuggestion(ctx, "sug_1", "u2"); err != nil || ok {
		t.Fatalf("second claim = %v, %v; want false", ok, err)
	}
	execution := ExecutionResult{Success: true, Artifacts: []Artifact{{Kind: "entity", ID: "e1"}}, Rollback: &RollbackRecord{Kind: "entity.create", EntityID: "e1"}}
	if ok, err = s.CompleteSuggestion(ctx, "sug_1", "e1", execution); err != nil || !ok {
		t.Fatalf("complete = %v, %v", ok, err)
	}

	got, err := s.GetSuggestion(ctx, "sug_1")
	if err != nil {
		t.Fatalf("get suggestion: %v", err)
	}
	if got.Status != StatusAccepted || got.TargetID != "e1" || got.Result == nil || got.Result.Rollback == nil {
		t.Fatalf("unexpected suggestion %+v", got)
	}
	if got.Preflight == nil || got.Preflight.Status != PreflightOK {
		t.Fatalf("expected stored preflight, got %+v", got.Preflight)
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM suggestions WHERE id='sug_1'`); err == nil {
		t.Fatal("expected DELETE on suggestions to be blocked")
	} else {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.SQLState() != "55000" {
			t.Fatalf("expected SQLSTATE 55000, got %v", err)
		}
	}
}

func TestPostgresEntityCascadeDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := NewPostgresStore(db)

	if err := s.InsertProject(ctx, "p1", "Project"); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	for _, e := range []Entity{
		{ID: "e1", ProjectID: "p1", Name: "Ada", Type: "person", Properties: map[string]any{"x": 1.0}},
		{ID: "e2", ProjectID: "p1", Name: "Charles", Type: "person"},
	} {
		if err := s.InsertEntity(ctx, e); err != nil {
			t.Fatalf("insert entity: %v", err)
		}
	}
	if err := s.InsertRelationship(ctx, Relationship{ID: "r1", ProjectID: "p1", Type: "knows", SourceID: "e1", TargetID: "e2"}); err != nil {
		t.Fatalf("insert relationship: %v", err)
	}

	if err := s.UpdateEntity(ctx, "e1", EntityPatch{SetProperties: map[string]any{"y": "new"}, DeleteProperties: []string{"x"}}); err != nil {
		t.Fatalf("update entity: %v", err)
	}
	found, err := s.FindEntitiesByName(ctx, "p1", "ADA", "")
	if err != nil || len(found) != 1 {
		t.Fatalf("find entities = %v, %v", found, err)
	}
	if _, has := found[0].Properties["x"]; has || found[0].Properties["y"] != "new" {
		t.Fatalf("unexpected properties %+v", found[0].Properties)
	}

	if _, err := s.DeleteEntity(ctx, "e1", false); !errors.Is(err, ErrForeignKey) {
		t.Fatalf("expected ErrForeignKey, got %v", err)
	}
	deleted, err := s.DeleteEntity(ctx, "e1", true)
	if err != nil || deleted != 1 {
		t.Fatalf("cascade delete = %d, %v", deleted, err)
	}
	if _, err := s.GetEntity(ctx, "e1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected entity gone, got %v", err)
	}
}

func TestPostgresAuditEventsAreAppendOnly(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := NewPostgresStore(db)

	if err := s.InsertAuditEvent(ctx, AuditEvent{EventType: "suggestion.proposed", ProjectID: "p1", SuggestionID: "sug_1", Payload: map[string]any{"k": "v"}}); err != nil {
		t.Fatalf("insert audit event: %v", err)
	}
	events, err := s.ListAuditEvents(ctx, "sug_1")
	if err != nil || len(events) != 1 {
		t.Fatalf("list audit events = %v, %v", events, err)
	}

	_, err = db.ExecContext(ctx, `UPDATE audit_events SET event_type='x'`)
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.Message != "audit_events is append-only; UPDATE is not allowed" {
		t.Fatalf("unexpected error message: %s", pgErr.Message)
	}
}

func TestPostgresAccounts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := NewPostgresStore(db)

	created, err := s.CreateAccount(ctx, Account{ID: "u1", Name: "Ada", Kind: "user", PasswordHash: "hash"})
	if err != nil || !created {
		t.Fatalf("create account: created=%v err=%v", created, err)
	}
	created, err = s.CreateAccount(ctx, Account{ID: "u1", Name: "Mallory", Kind: "user", PasswordHash: "other"})
	if err != nil || created {
		t.Fatalf("duplicate account: created=%v err=%v", created, err)
	}
	account, err := s.GetAccount(ctx, "u1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Name != "Ada" || account.PasswordHash != "hash" {
		t.Fatalf("unexpected account %#v", account)
	}
	if _, err := s.GetAccount(ctx, "u2"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}
