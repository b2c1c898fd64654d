package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a deployment row.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// previous maps each status to the only status it may be entered from.
var previous = map[Status]Status{
	StatusRunning: StatusPending,
	StatusSuccess: StatusRunning,
	StatusFailed:  StatusRunning,
}

// CanTransition reports whether a row in status from may move to status to.
func CanTransition(from, to Status) bool {
	prev, ok := previous[to]
	return ok && prev == from
}

// Deployment is one recorded attempt to enforce a version on a host.
type Deployment struct {
	ID        int64      `json:"id"`
	VersionID int64      `json:"version_id"`
	Host      string     `json:"host"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
	Log       string     `json:"log"`
}

const deploymentColumns = `id, version_id, host, status, created_at, applied_at, log_text`

func scanDeployment(row scanner) (*Deployment, error) {
	var d Deployment
	var status string
	var applied sql.NullTime
	if err := row.Scan(&d.ID, &d.VersionID, &d.Host, &status, &d.CreatedAt, &applied, &d.Log); err != nil {
		return nil, err
	}
	d.Status = Status(status)
	if applied.Valid {
		t := applied.Time
		d.AppliedAt = &t
	}
	return &d, nil
}

// CreateDeployment inserts a new pending deployment row. Every call creates
// a fresh row, even for a host and version that were deployed before.
func (s *Store) CreateDeployment(ctx context.Context, versionID int64, host string) (*Deployment, error) {
	var d *Deployment
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		if _, err := getHeader(ctx, conn, versionID); err != nil {
			return err
		}
		result, err := conn.ExecContext(ctx, `
			INSERT INTO deployments (version_id, host, status, created_at) VALUES (?, ?, ?, ?)
		`, versionID, host, string(StatusPending), s.clock.Now())
		if err != nil {
			return fmt.Errorf("insert deployment for %s: %w", host, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return err
		}
		d, err = getDeployment(ctx, conn, id)
		return err
	})
	return d, err
}

// TransitionDeployment moves a deployment to status to and appends output to
// its log. The update only matches a row currently in the single status
// that may precede to, so a row can never skip a state, go backwards or
// leave a terminal state. Terminal transitions stamp applied_at.
func (s *Store) TransitionDeployment(ctx context.Context, id int64, to Status, output string) (*Deployment, error) {
	from, ok := previous[to]
	if !ok {
		return nil, fmt.Errorf("%w: cannot enter %s", ErrInvalidTransition, to)
	}

	var d *Deployment
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		var applied any
		if to.Terminal() {
			applied = s.clock.Now()
		}
		result, err := conn.ExecContext(ctx, `
			UPDATE deployments
			SET status = ?, applied_at = COALESCE(?, applied_at), log_text = log_text || ?
			WHERE id = ? AND status = ?
		`, string(to), applied, output, id, string(from))
		if err != nil {
			return fmt.Errorf("update deployment %d: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}

		current, err := getDeployment(ctx, conn, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: deployment %d is %s, cannot enter %s",
				ErrInvalidTransition, id, current.Status, to)
		}
		d = current
		return nil
	})
	return d, err
}

// AppendDeploymentLog appends text to a deployment's log without changing
// its status.
func (s *Store) AppendDeploymentLog(ctx context.Context, id int64, text string) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		result, err := conn.ExecContext(ctx,
			`UPDATE deployments SET log_text = log_text || ? WHERE id = ?`, text, id)
		if err != nil {
			return fmt.Errorf("append log to deployment %d: %w", id, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("deployment %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// GetDeployment returns a deployment by id, or ErrNotFound.
func (s *Store) GetDeployment(ctx context.Context, id int64) (*Deployment, error) {
	var d *Deployment
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		var err error
		d, err = getDeployment(ctx, conn, id)
		return err
	})
	return d, err
}

func getDeployment(ctx context.Context, q querier, id int64) (*Deployment, error) {
	d, err := scanDeployment(q.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment %d: %w", id, err)
	}
	return d, nil
}

// ListDeployments returns the deployments of a version in creation order.
// A versionID of 0 lists every deployment.
func (s *Store) ListDeployments(ctx context.Context, versionID int64) ([]Deployment, error) {
	var out []Deployment
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		query := `SELECT ` + deploymentColumns + ` FROM deployments`
		var args []any
		if versionID != 0 {
			query += ` WHERE version_id = ?`
			args = append(args, versionID)
		}
		query += ` ORDER BY id ASC`

		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list deployments: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			d, err := scanDeployment(rows)
			if err != nil {
				return err
			}
			out = append(out, *d)
		}
		return rows.Err()
	})
	return out, err
}
