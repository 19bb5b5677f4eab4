package postgres

import (
	"context"
	"fmt"
	"strings"

	"promptsync/internal/domain"
	"promptsync/internal/domain/model"
	"promptsync/internal/domain/ports/adapter"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

var _ adapter.LocalStore = (*promptRepo)(nil)

// promptRepo is the Postgres-backed local record store. The sync stamp
// lives in the remote_id / last_sync_at pair; archived rows keep their
// stamp but fall out of name matching and listings.
type promptRepo struct {
	pool *pgxpool.Pool
}

func NewPromptRepo(pool *pgxpool.Pool) *promptRepo {
	return &promptRepo{pool: pool}
}

const promptColumns = `id, name, content, tags, COALESCE(remote_id, ''), last_sync_at,
created_at, updated_at, archived_at`

func scanPrompt(row pgx.Row) (*model.Prompt, error) {
	var p model.Prompt
	err := row.Scan(&p.ID, &p.Name, &p.Content, &p.Tags, &p.RemoteID, &p.LastSyncAt,
		&p.CreatedAt, &p.UpdatedAt, &p.ArchivedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *promptRepo) FindByRemoteID(ctx context.Context, remoteID string) (*model.Prompt, error) {
	if remoteID == "" {
		return nil, domain.ErrNotFound
	}
	row, err := pickRow(ctx, r.pool, nil,
		`SELECT `+promptColumns+` FROM prompts WHERE remote_id = $1;`, remoteID)
	if err != nil {
		return nil, err
	}
	return scanPrompt(row)
}

func (r *promptRepo) FindByName(ctx context.Context, name string) (*model.Prompt, error) {
	row, err := pickRow(ctx, r.pool, nil,
		`SELECT `+promptColumns+` FROM prompts WHERE name = $1 AND archived_at IS NULL;`, name)
	if err != nil {
		return nil, err
	}
	return scanPrompt(row)
}

// filterClause renders PromptFilter into WHERE conditions. Args start at
// $1; the caller appends pagination params after.
func filterClause(f model.PromptFilter) (string, []interface{}) {
	conds := []string{"archived_at IS NULL"}
	var args []interface{}
	if len(f.Tags) > 0 {
		args = append(args, f.Tags)
		conds = append(conds, fmt.Sprintf("tags @> $%d", len(args)))
	}
	if f.ModifiedAfter != nil {
		args = append(args, *f.ModifiedAfter)
		conds = append(conds, fmt.Sprintf("updated_at > $%d", len(args)))
	}
	if f.NamePrefix != "" {
		args = append(args, f.NamePrefix+"%")
		conds = append(conds, fmt.Sprintf("name LIKE $%d", len(args)))
	}
	return strings.Join(conds, " AND "), args
}

func (r *promptRepo) List(ctx context.Context, filter model.PromptFilter, offset, limit int) ([]*model.Prompt, error) {
	where, args := filterClause(filter)
	args = append(args, limit, offset)
	q := fmt.Sprintf(`SELECT %s FROM prompts WHERE %s ORDER BY name LIMIT $%d OFFSET $%d;`,
		promptColumns, where, len(args)-1, len(args))

	rows, err := pickRows(ctx, r.pool, nil, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *promptRepo) Count(ctx context.Context, filter model.PromptFilter) (int, error) {
	where, args := filterClause(filter)
	row, err := pickRow(ctx, r.pool, nil,
		fmt.Sprintf(`SELECT COUNT(*) FROM prompts WHERE %s;`, where), args...)
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *promptRepo) Create(ctx context.Context, p *model.Prompt) error {
	const q = `
INSERT INTO prompts (id, name, content, tags, remote_id, last_sync_at, created_at, updated_at, archived_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`

	_, err := execSQL(ctx, r.pool, nil, q,
		p.ID, p.Name, p.Content, p.Tags, nullable(p.RemoteID), p.LastSyncAt,
		p.CreatedAt, p.UpdatedAt, p.ArchivedAt)
	return err
}

// Update persists the caller's UpdatedAt as-is. Touching it here would
// push updated_at past last_sync_at and fabricate a local change.
func (r *promptRepo) Update(ctx context.Context, p *model.Prompt) error {
	const q = `
UPDATE prompts SET
  name = $2, content = $3, tags = $4, remote_id = $5, last_sync_at = $6,
  updated_at = $7, archived_at = $8
WHERE id = $1;`

	tag, err := execSQL(ctx, r.pool, nil, q,
		p.ID, p.Name, p.Content, p.Tags, nullable(p.RemoteID), p.LastSyncAt,
		p.UpdatedAt, p.ArchivedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *promptRepo) Archive(ctx context.Context, id string) error {
	tag, err := execSQL(ctx, r.pool, nil,
		`UPDATE prompts SET archived_at = NOW(), updated_at = NOW() WHERE id = $1 AND archived_at IS NULL;`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
