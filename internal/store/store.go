package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store manages the PostgreSQL connection and pgvector operations.
type Store struct {
	conn *pgx.Conn
}

// Person is an enrolled identity.
type Person struct {
	ID        int
	Name      string
	FaceCount int
	CreatedAt time.Time
}

// PersonFace is one reference embedding of a person.
type PersonFace struct {
	ID         int64
	PersonID   int
	Name       string
	SourcePath string
	Embedding  []float32
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	// The vector type only exists once the extension is created
	if err := pgxvec.RegisterTypes(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to register vector types: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS persons (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS person_faces (
			id BIGSERIAL PRIMARY KEY,
			person_id INT NOT NULL REFERENCES persons(id) ON DELETE CASCADE,
			source_path TEXT NOT NULL,
			embedding VECTOR(512) NOT NULL,
			UNIQUE (person_id, source_path)
		);
		CREATE INDEX IF NOT EXISTS person_faces_person_id_idx ON person_faces (person_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsurePerson returns the id of the named person, creating it if needed.
func (s *Store) EnsurePerson(ctx context.Context, name string) (int, error) {
	var id int
	err := s.conn.QueryRow(ctx, `
		INSERT INTO persons (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, name).Scan(&id)
	return id, err
}

// InsertFace stores a reference embedding. Re-enrolling the same file replaces its embedding.
func (s *Store) InsertFace(ctx context.Context, personID int, sourcePath string, embedding []float32) (int64, error) {
	var id int64
	err := s.conn.QueryRow(ctx, `
		INSERT INTO person_faces (person_id, source_path, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (person_id, source_path) DO UPDATE SET embedding = EXCLUDED.embedding
		RETURNING id
	`, personID, sourcePath, pgvector.NewVector(embedding)).Scan(&id)
	return id, err
}

// ListPersons returns every person with their number of reference faces.
func (s *Store) ListPersons(ctx context.Context) ([]Person, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT p.id, p.name, COUNT(f.id), p.created_at
		FROM persons p
		LEFT JOIN person_faces f ON f.person_id = p.id
		GROUP BY p.id
		ORDER BY p.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var persons []Person
	for rows.Next() {
		var p Person
		if err := rows.Scan(&p.ID, &p.Name, &p.FaceCount, &p.CreatedAt); err != nil {
			return nil, err
		}
		persons = append(persons, p)
	}
	return persons, rows.Err()
}

// LoadFaces returns every reference embedding with its person's name.
func (s *Store) LoadFaces(ctx context.Context) ([]PersonFace, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT f.id, f.person_id, p.name, f.source_path, f.embedding
		FROM person_faces f
		JOIN persons p ON p.id = f.person_id
		ORDER BY f.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var faces []PersonFace
	for rows.Next() {
		var f PersonFace
		var vec pgvector.Vector
		if err := rows.Scan(&f.ID, &f.PersonID, &f.Name, &f.SourcePath, &vec); err != nil {
			return nil, err
		}
		f.Embedding = vec.Slice()
		faces = append(faces, f)
	}
	return faces, rows.Err()
}

// ErrPersonNotFound is returned when deleting a name that was never enrolled.
var ErrPersonNotFound = errors.New("person not found")

// DeletePerson removes a person and, by cascade, their faces.
func (s *Store) DeletePerson(ctx context.Context, name string) error {
	tag, err := s.conn.Exec(ctx, "DELETE FROM persons WHERE name = $1", name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPersonNotFound
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// The next New call recreates them.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS person_faces CASCADE;
		DROP TABLE IF EXISTS persons CASCADE;
	`)
	return err
}
