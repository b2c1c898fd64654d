package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"grimm.is/ruleledger/internal/document"
	"grimm.is/ruleledger/internal/rules"
)

// Policy is a named rule-set scope.
type Policy struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
}

// VersionHeader is the metadata of one immutable version.
type VersionHeader struct {
	ID         int64     `json:"id"`
	PolicyID   int64     `json:"policy_id"`
	PolicyName string    `json:"policy_name"`
	Version    int       `json:"version"`
	Author     string    `json:"author,omitempty"`
	Message    string    `json:"message,omitempty"`
	Source     string    `json:"source"`
	Checksum   string    `json:"checksum"`
	CreatedAt  time.Time `json:"created_at"`
	RuleCount  int       `json:"rule_count"`
}

// SaveResult identifies a newly persisted version.
type SaveResult struct {
	PolicyID  int64 `json:"policy_id"`
	VersionID int64 `json:"version_id"`
	Version   int   `json:"version"`
}

// CreateOrGetPolicy returns the id of the policy called name, creating it
// with the given description if it does not exist yet. The description of
// an existing policy is left as it was.
func (s *Store) CreateOrGetPolicy(ctx context.Context, name, description string) (int64, error) {
	var id int64
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		var err error
		id, err = s.createOrGetPolicy(ctx, conn, name, description)
		return err
	})
	return id, err
}

func (s *Store) createOrGetPolicy(ctx context.Context, q querier, name, description string) (int64, error) {
	if name == "" {
		return 0, &rules.ValidationError{Index: -1, Field: "policy.name", Reason: "required"}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO policies (name, description, created_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, name, nullString(description), s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("insert policy %q: %w", name, err)
	}

	var id int64
	if err := q.QueryRowContext(ctx, `SELECT id FROM policies WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup policy %q: %w", name, err)
	}
	return id, nil
}

// NextVersion returns the version number the next save for policyID would
// receive. It is advisory: SaveVersion computes the number again inside its
// own transaction.
func (s *Store) NextVersion(ctx context.Context, policyID int64) (int, error) {
	var next int
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		var err error
		next, err = nextVersion(ctx, conn, policyID)
		return err
	})
	return next, err
}

func nextVersion(ctx context.Context, q querier, policyID int64) (int, error) {
	var next int
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM policy_versions WHERE policy_id = ?`,
		policyID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next version for policy %d: %w", policyID, err)
	}
	return next, nil
}

// SaveVersion parses a policy document, normalizes every rule and persists
// the policy (if new), the version row and all rule rows in one
// transaction. Parse and validation failures are returned before the
// database is touched. A lost race for the version number is returned as
// ErrConflict and nothing is written.
func (s *Store) SaveVersion(ctx context.Context, text string) (SaveResult, error) {
	doc, err := document.Parse(text)
	if err != nil {
		return SaveResult{}, err
	}
	normalized, err := rules.NormalizeAll(doc.Rules, doc.Defaults)
	if err != nil {
		return SaveResult{}, err
	}

	var res SaveResult
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		policyID, err := s.createOrGetPolicy(ctx, tx, doc.Policy.Name, doc.Policy.Description)
		if err != nil {
			return err
		}
		version, err := nextVersion(ctx, tx, policyID)
		if err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO policy_versions (policy_id, version, author, message, source_text, checksum, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, policyID, version, nullString(doc.Policy.Author), nullString(doc.Policy.Message),
			doc.Source, document.Checksum(doc.Source), s.clock.Now())
		if err != nil {
			return fmt.Errorf("insert version %d of policy %d: %w", version, policyID, err)
		}
		versionID, err := result.LastInsertId()
		if err != nil {
			return err
		}

		if err := insertRules(ctx, tx, versionID, normalized); err != nil {
			return err
		}

		res = SaveResult{PolicyID: policyID, VersionID: versionID, Version: version}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			s.logger.Warn("version save conflicted", "policy", doc.Policy.Name, "error", err)
		}
		return SaveResult{}, err
	}

	s.logger.Audit("version.create", doc.Policy.Name, map[string]any{
		"policy_id":  res.PolicyID,
		"version_id": res.VersionID,
		"version":    res.Version,
		"rules":      len(normalized),
		"author":     doc.Policy.Author,
	})
	return res, nil
}

func insertRules(ctx context.Context, tx *sql.Tx, versionID int64, rs []rules.Rule) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO policy_rules (
			version_id, position, rule_key, table_name, chain, priority, target,
			protocol, src, dst, sport, dport, in_iface, out_iface, state_match,
			comment, extras, state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare rule insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range rs {
		_, err := stmt.ExecContext(ctx,
			versionID, i, r.Key, r.Table, r.Chain, r.Priority, r.Target,
			nullString(r.Protocol), nullString(r.Src), nullString(r.Dst),
			nullString(r.SPort), nullString(r.DPort),
			nullString(r.InIface), nullString(r.OutIface),
			nullString(r.StateMatch), nullString(r.Comment), nullString(r.Extras),
			string(r.State),
		)
		if err != nil {
			return fmt.Errorf("insert rule %d: %w", i, err)
		}
	}
	return nil
}

const headerColumns = `
	v.id, v.policy_id, p.name, v.version, COALESCE(v.author, ''), COALESCE(v.message, ''),
	v.source_text, v.checksum, v.created_at,
	(SELECT COUNT(*) FROM policy_rules r WHERE r.version_id = v.id)
`

type scanner interface {
	Scan(dest ...any) error
}

func scanHeader(row scanner) (*VersionHeader, error) {
	var h VersionHeader
	err := row.Scan(&h.ID, &h.PolicyID, &h.PolicyName, &h.Version, &h.Author, &h.Message,
		&h.Source, &h.Checksum, &h.CreatedAt, &h.RuleCount)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// GetVersionHeader returns the metadata of a version, or ErrNotFound.
func (s *Store) GetVersionHeader(ctx context.Context, versionID int64) (*VersionHeader, error) {
	var h *VersionHeader
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		var err error
		h, err = getHeader(ctx, conn, versionID)
		return err
	})
	return h, err
}

func getHeader(ctx context.Context, q querier, versionID int64) (*VersionHeader, error) {
	h, err := scanHeader(q.QueryRowContext(ctx, `
		SELECT `+headerColumns+`
		FROM policy_versions v JOIN policies p ON p.id = v.policy_id
		WHERE v.id = ?
	`, versionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("version %d: %w", versionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get version %d: %w", versionID, err)
	}
	return h, nil
}

// GetRules returns the rules of a version in enforcement order: priority
// ascending, then the order they appeared in the document. A version id
// that does not exist yields ErrNotFound.
func (s *Store) GetRules(ctx context.Context, versionID int64) ([]rules.Rule, error) {
	var out []rules.Rule
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		if _, err := getHeader(ctx, conn, versionID); err != nil {
			return err
		}

		rows, err := conn.QueryContext(ctx, `
			SELECT rule_key, table_name, chain, priority, target,
				COALESCE(protocol, ''), COALESCE(src, ''), COALESCE(dst, ''),
				COALESCE(sport, ''), COALESCE(dport, ''),
				COALESCE(in_iface, ''), COALESCE(out_iface, ''),
				COALESCE(state_match, ''), COALESCE(comment, ''), COALESCE(extras, ''),
				state
			FROM policy_rules
			WHERE version_id = ?
			ORDER BY priority ASC, position ASC
		`, versionID)
		if err != nil {
			return fmt.Errorf("query rules of version %d: %w", versionID, err)
		}
		defer rows.Close()

		for rows.Next() {
			var r rules.Rule
			var state string
			if err := rows.Scan(&r.Key, &r.Table, &r.Chain, &r.Priority, &r.Target,
				&r.Protocol, &r.Src, &r.Dst, &r.SPort, &r.DPort,
				&r.InIface, &r.OutIface, &r.StateMatch, &r.Comment, &r.Extras,
				&state); err != nil {
				return err
			}
			r.State = rules.State(state)
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// LatestVersion returns the id of the newest version of the named policy.
// With an empty name it returns the newest version across all policies.
func (s *Store) LatestVersion(ctx context.Context, policyName string) (*VersionHeader, error) {
	var h *VersionHeader
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		query := `SELECT ` + headerColumns + `
			FROM policy_versions v JOIN policies p ON p.id = v.policy_id`
		var args []any
		if policyName != "" {
			query += ` WHERE p.name = ?`
			args = append(args, policyName)
		}
		query += ` ORDER BY v.created_at DESC, v.id DESC LIMIT 1`

		var err error
		h, err = scanHeader(conn.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			if policyName == "" {
				return fmt.Errorf("no versions: %w", ErrNotFound)
			}
			return fmt.Errorf("policy %q: %w", policyName, ErrNotFound)
		}
		return err
	})
	return h, err
}

// ListVersions returns the headers of every version of a policy, oldest
// first.
func (s *Store) ListVersions(ctx context.Context, policyID int64) ([]VersionHeader, error) {
	var out []VersionHeader
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT `+headerColumns+`
			FROM policy_versions v JOIN policies p ON p.id = v.policy_id
			WHERE v.policy_id = ?
			ORDER BY v.version ASC
		`, policyID)
		if err != nil {
			return fmt.Errorf("list versions of policy %d: %w", policyID, err)
		}
		defer rows.Close()

		for rows.Next() {
			h, err := scanHeader(rows)
			if err != nil {
				return err
			}
			out = append(out, *h)
		}
		return rows.Err()
	})
	return out, err
}

// GetPolicy returns a policy by name, or ErrNotFound.
func (s *Store) GetPolicy(ctx context.Context, name string) (*Policy, error) {
	var p Policy
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		err := conn.QueryRowContext(ctx, `
			SELECT id, name, COALESCE(description, ''), created_at FROM policies WHERE name = ?
		`, name).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("policy %q: %w", name, ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}
