package bridge

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/carnet/dbopen"
	"github.com/hazyhaar/carnet/kit"
)

// PolicySchema holds the DDL for the tool policy table, applied by the
// daemon at startup.
const PolicySchema = `
CREATE TABLE IF NOT EXISTS bridge_tool_policy (
	policy_id INTEGER PRIMARY KEY AUTOINCREMENT,
	tool_name TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT '*',
	effect TEXT NOT NULL DEFAULT 'allow' CHECK(effect IN ('allow', 'deny')),
	created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_bridge_policy_tool ON bridge_tool_policy(tool_name, role);
`

// PolicyFunc decides whether a tool call is allowed.
// Return nil to allow, non-nil error to deny.
type PolicyFunc func(ctx context.Context, tool string) error

// DBPolicy evaluates per-tool access rules stored in bridge_tool_policy.
//
// Evaluation logic:
//   - If any DENY rule matches the caller's role → deny.
//   - If ALLOW rules exist for the tool but none match → deny.
//   - If no rules exist for the tool → allow.
type DBPolicy struct {
	db *sql.DB
}

// NewDBPolicy creates a PolicyFunc backed by the bridge_tool_policy table.
func NewDBPolicy(db *sql.DB) PolicyFunc {
	p := &DBPolicy{db: db}
	return p.Evaluate
}

// Evaluate checks whether the current caller (identified by role in context)
// is allowed to execute the named tool.
func (p *DBPolicy) Evaluate(ctx context.Context, tool string) error {
	role := kit.GetRole(ctx)
	if role == "" {
		role = "*"
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT effect, role FROM bridge_tool_policy WHERE tool_name = ? ORDER BY effect`, tool)
	if err != nil {
		return fmt.Errorf("bridge: policy query: %w", err)
	}
	defer rows.Close()

	var hasAllow, matchesAllow bool

	for rows.Next() {
		var effect, ruleRole string
		if err := rows.Scan(&effect, &ruleRole); err != nil {
			return err
		}

		matches := ruleRole == "*" || ruleRole == role

		if effect == "deny" && matches {
			return fmt.Errorf("bridge: tool %q denied for role %q", tool, role)
		}
		if effect == "allow" {
			hasAllow = true
			if matches {
				matchesAllow = true
			}
		}
	}

	// If allow rules exist but none match this role, deny.
	if hasAllow && !matchesAllow {
		return fmt.Errorf("bridge: tool %q not allowed for role %q", tool, role)
	}

	return nil
}

// PolicyRule is one row of bridge_tool_policy. Role defaults to "*" and
// Effect to "allow" when left empty.
type PolicyRule struct {
	Role   string `json:"role"`
	Effect string `json:"effect"`
}

// ReplaceRules swaps the rule set for one tool in a single transaction,
// so a half-written rule set is never observable. An empty rules slice
// clears the tool back to "no rules" (open access).
func ReplaceRules(ctx context.Context, db *sql.DB, tool string, rules []PolicyRule) error {
	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM bridge_tool_policy WHERE tool_name = ?`, tool); err != nil {
			return err
		}
		for _, r := range rules {
			role, effect := r.Role, r.Effect
			if role == "" {
				role = "*"
			}
			if effect == "" {
				effect = "allow"
			}
			if effect != "allow" && effect != "deny" {
				return fmt.Errorf("bad effect %q", r.Effect)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO bridge_tool_policy (tool_name, role, effect) VALUES (?,?,?)`,
				tool, role, effect); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bridge: replace rules for %q: %w", tool, err)
	}
	return nil
}
