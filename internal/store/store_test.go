package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	// The pgvector image ships the extension.
	pgContainer, err := postgres.Run(ctx, "pgvector/pgvector:pg16",
		postgres.WithDatabase("facetag_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	// --- Test Scenarios ---

	aliceID, err := s.EnsurePerson(ctx, "Alice")
	if err != nil {
		t.Fatalf("EnsurePerson failed: %v", err)
	}
	again, err := s.EnsurePerson(ctx, "Alice")
	if err != nil || again != aliceID {
		t.Fatalf("EnsurePerson is not idempotent: %d vs %d (%v)", again, aliceID, err)
	}
	bobID, err := s.EnsurePerson(ctx, "Bob")
	if err != nil {
		t.Fatalf("EnsurePerson failed: %v", err)
	}

	vecA := make([]float32, 512)
	vecA[0] = 1.0
	vecB := make([]float32, 512)
	vecB[1] = 1.0

	if _, err := s.InsertFace(ctx, aliceID, "alice/1.jpg", vecA); err != nil {
		t.Fatalf("InsertFace failed: %v", err)
	}
	if _, err := s.InsertFace(ctx, aliceID, "alice/2.jpg", vecA); err != nil {
		t.Fatalf("InsertFace failed: %v", err)
	}
	// Re-enrolling the same file replaces the embedding instead of duplicating it
	if _, err := s.InsertFace(ctx, bobID, "bob/1.jpg", vecA); err != nil {
		t.Fatalf("InsertFace failed: %v", err)
	}
	if _, err := s.InsertFace(ctx, bobID, "bob/1.jpg", vecB); err != nil {
		t.Fatalf("InsertFace (re-enroll) failed: %v", err)
	}

	persons, err := s.ListPersons(ctx)
	if err != nil {
		t.Fatalf("ListPersons failed: %v", err)
	}
	if len(persons) != 2 {
		t.Fatalf("Expected 2 persons, got %d", len(persons))
	}
	if persons[0].Name != "Alice" || persons[0].FaceCount != 2 {
		t.Errorf("Alice = %+v, want 2 faces", persons[0])
	}
	if persons[1].Name != "Bob" || persons[1].FaceCount != 1 {
		t.Errorf("Bob = %+v, want 1 face", persons[1])
	}

	faces, err := s.LoadFaces(ctx)
	if err != nil {
		t.Fatalf("LoadFaces failed: %v", err)
	}
	if len(faces) != 3 {
		t.Fatalf("Expected 3 faces, got %d", len(faces))
	}
	for _, f := range faces {
		if len(f.Embedding) != 512 {
			t.Fatalf("Expected embedding of length 512, got %d", len(f.Embedding))
		}
		if f.Name == "Bob" && f.Embedding[1] != 1.0 {
			t.Errorf("Bob's embedding was not replaced: %v", f.Embedding[:2])
		}
	}

	if err := s.DeletePerson(ctx, "Alice"); err != nil {
		t.Fatalf("DeletePerson failed: %v", err)
	}
	if err := s.DeletePerson(ctx, "Alice"); !errors.Is(err, ErrPersonNotFound) {
		t.Errorf("Expected ErrPersonNotFound, got %v", err)
	}
	faces, _ = s.LoadFaces(ctx)
	if len(faces) != 1 {
		t.Errorf("Expected Alice's faces to cascade, %d left", len(faces))
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListPersons(ctx); err == nil {
		t.Error("Expected error querying dropped tables")
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
