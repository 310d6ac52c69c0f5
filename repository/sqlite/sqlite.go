package sqlite

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/projecteru2/corral/repository"
	"github.com/projecteru2/corral/types"
)

// compile-time interface check.
var _ repository.Repository = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS machines (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	driver     TEXT NOT NULL,
	addr       TEXT NOT NULL DEFAULT '',
	username   TEXT NOT NULL DEFAULT '',
	password   TEXT NOT NULL DEFAULT '',
	domain     TEXT NOT NULL DEFAULT '',
	user_id    TEXT,
	expires_at INTEGER,
	agent_port INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS machines_user
	ON machines (user_id) WHERE user_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS machines_free
	ON machines (created_at) WHERE user_id IS NULL;
`

const machineColumns = "id, name, driver, addr, username, password, domain, user_id, expires_at, agent_port, created_at"

// Store is the SQLite-backed machine repository. SQLite serializes
// writes, and the busy_timeout pragma plus IMMEDIATE transactions give
// the non-blocking claim discipline the contract requires: a claim
// either wins the write lock promptly or fails, it never parks on a
// row held by another claimant.
type Store struct {
	pool *sqlitex.Pool
}

// Open creates (if needed) and opens the machine database.
func Open(path string, poolSize int) (*Store, error) {
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConn(conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open machine db %s: %w", path, err)
	}
	return &Store{pool: pool}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) FindByUser(ctx context.Context, userID string) (*types.Machine, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	return s.findByUser(conn, userID)
}

func (s *Store) findByUser(conn *sqlite.Conn, userID string) (*types.Machine, error) {
	var machine *types.Machine
	err := sqlitex.Execute(conn,
		"SELECT "+machineColumns+" FROM machines WHERE user_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				machine = scanMachine(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("find machine for user %s: %w", userID, err)
	}
	return machine, nil
}

func (s *Store) Get(ctx context.Context, id string) (*types.Machine, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var machine *types.Machine
	err = sqlitex.Execute(conn,
		"SELECT "+machineColumns+" FROM machines WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				machine = scanMachine(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("get machine %s: %w", id, err)
	}
	if machine == nil {
		return nil, repository.ErrNotFound
	}
	return machine, nil
}

// ClaimFree performs the claim in one IMMEDIATE transaction. The
// assignment itself is a single conditional UPDATE ... RETURNING, so
// the select-a-spare and mark-it steps cannot interleave with a
// concurrent claimant; the partial unique index on user_id backstops
// the same-user double claim.
func (s *Store) ClaimFree(ctx context.Context, userID string) (machine *types.Machine, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("begin claim for user %s: %w", userID, err)
	}
	defer endFn(&err)

	existing, err := s.findByUser(conn, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	err = sqlitex.Execute(conn, `
		UPDATE machines SET user_id = ?
		WHERE id = (
			SELECT id FROM machines WHERE user_id IS NULL
			ORDER BY created_at, id LIMIT 1
		) AND user_id IS NULL
		RETURNING `+machineColumns,
		&sqlitex.ExecOptions{
			Args: []any{userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				machine = scanMachine(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("claim machine for user %s: %w", userID, err)
	}
	if machine == nil {
		return nil, repository.ErrNoMachineFound
	}
	return machine, nil
}

func (s *Store) CountFree(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn,
		"SELECT COUNT(*) FROM machines WHERE user_id IS NULL",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = int(stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("count free machines: %w", err)
	}
	return count, nil
}

func (s *Store) Insert(ctx context.Context, machine *types.Machine) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	var userID any
	if machine.UserID != "" {
		userID = machine.UserID
	}
	var expiresAt any
	if machine.ExpiresAt != nil {
		expiresAt = machine.ExpiresAt.Unix()
	}
	createdAt := machine.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	err = sqlitex.Execute(conn,
		"INSERT INTO machines ("+machineColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{
				machine.ID,
				machine.Name,
				machine.Driver,
				machine.Addr,
				machine.Username,
				machine.Password,
				machine.Domain,
				userID,
				expiresAt,
				machine.AgentPort,
				createdAt.Unix(),
			},
		})
	if err != nil {
		return fmt.Errorf("insert machine %s: %w", machine.ID, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM machines WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("remove machine %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) SetExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE machines SET expires_at = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{expiresAt.Unix(), id}})
	if err != nil {
		return fmt.Errorf("set expiry for machine %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*types.Machine, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var machines []*types.Machine
	err = sqlitex.Execute(conn,
		"SELECT "+machineColumns+" FROM machines ORDER BY created_at, id",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				machines = append(machines, scanMachine(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	return machines, nil
}

func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]*types.Machine, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var machines []*types.Machine
	err = sqlitex.Execute(conn, `
		SELECT `+machineColumns+` FROM machines
		WHERE user_id IS NOT NULL AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY created_at, id`,
		&sqlitex.ExecOptions{
			Args: []any{now.Unix()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				machines = append(machines, scanMachine(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("list expired machines: %w", err)
	}
	return machines, nil
}

// scanMachine builds a Machine from a row in machineColumns order.
func scanMachine(stmt *sqlite.Stmt) *types.Machine {
	m := &types.Machine{
		ID:        stmt.ColumnText(0),
		Name:      stmt.ColumnText(1),
		Driver:    stmt.ColumnText(2),
		Addr:      stmt.ColumnText(3),
		Username:  stmt.ColumnText(4),
		Password:  stmt.ColumnText(5),
		Domain:    stmt.ColumnText(6),
		AgentPort: int(stmt.ColumnInt64(9)),
		CreatedAt: time.Unix(stmt.ColumnInt64(10), 0),
	}
	if !stmt.ColumnIsNull(7) {
		m.UserID = stmt.ColumnText(7)
	}
	if !stmt.ColumnIsNull(8) {
		t := time.Unix(stmt.ColumnInt64(8), 0)
		m.ExpiresAt = &t
	}
	return m
}
