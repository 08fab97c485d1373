package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"github.com/probeops/inquest/internal/protocol"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

type Store struct {
	DB *sql.DB
}

// New opens a Store using DATABASE_URL or the POSTGRES_* environment variables.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN opens and pings a Store for the given postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// ---- users ----

func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id::text, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	if err == sql.ErrNoRows {
		return "", "", ErrNotFound
	}
	return id, hash, err
}

// ---- clusters ----

func (s *Store) CreateCluster(ctx context.Context, name, endpoint, token string) (string, error) {
	if name == "" || endpoint == "" {
		return "", fmt.Errorf("cluster name and endpoint are required")
	}
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO clusters (name, endpoint, token) VALUES ($1,$2,$3) RETURNING id::text`,
		name, endpoint, token).Scan(&id)
	return id, err
}

func (s *Store) GetCluster(ctx context.Context, id string) (Cluster, error) {
	var c Cluster
	err := s.DB.QueryRowContext(ctx,
		`SELECT id::text, name, endpoint, COALESCE(token,''), created_at FROM clusters WHERE id=$1`, id).
		Scan(&c.ID, &c.Name, &c.Endpoint, &c.Token, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return Cluster{}, ErrNotFound
	}
	return c, err
}

func (s *Store) ListClusters(ctx context.Context) ([]Cluster, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id::text, name, endpoint, COALESCE(token,''), created_at FROM clusters ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Cluster
	for rows.Next() {
		var c Cluster
		if err := rows.Scan(&c.ID, &c.Name, &c.Endpoint, &c.Token, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- protocols ----

// CreateProtocol inserts a new protocol version. An existing protocol with
// the same name bumps the version; investigations pin the returned id, so
// older versions stay readable.
func (s *Store) CreateProtocol(ctx context.Context, p *protocol.Protocol) (string, int, error) {
	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return "", 0, fmt.Errorf("marshal protocol steps: %w", err)
	}
	var (
		id      string
		version int
	)
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO protocols (name, version, steps)
VALUES ($1, COALESCE((SELECT MAX(version) FROM protocols WHERE name=$1), 0) + 1, $2)
RETURNING id::text, version`, p.Name, stepsJSON).Scan(&id, &version)
	if err != nil {
		return "", 0, err
	}
	return id, version, nil
}

func (s *Store) GetProtocol(ctx context.Context, id string) (*protocol.Protocol, error) {
	var (
		p         protocol.Protocol
		stepsJSON []byte
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT id::text, name, version, steps FROM protocols WHERE id=$1`, id).
		Scan(&p.ID, &p.Name, &p.Version, &stepsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stepsJSON, &p.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal protocol steps: %w", err)
	}
	protocol.Normalize(&p)
	return &p, nil
}

func (s *Store) ListProtocols(ctx context.Context) ([]protocol.Protocol, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id::text, name, version FROM protocols ORDER BY name, version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []protocol.Protocol
	for rows.Next() {
		var p protocol.Protocol
		if err := rows.Scan(&p.ID, &p.Name, &p.Version); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
