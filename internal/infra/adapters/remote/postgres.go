package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"promptsync/internal/domain"
	"promptsync/internal/domain/model"
	"promptsync/internal/domain/ports/adapter"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

var _ adapter.RemoteStore = (*PostgresRemote)(nil)

// PostgresRemote serves a prompt store living in another Postgres
// database, reached over its own pool. The expected table:
//
//	prompts(id, name, content, tags, version, updated_at, deleted)
//
// No push channel exists, so realtime is never advertised.
type PostgresRemote struct {
	pool *pgxpool.Pool
}

func NewPostgresRemote(ctx context.Context, conn *model.SyncConnection) (*PostgresRemote, error) {
	cfg, err := pgxpool.ParseConfig(conn.Credentials.DSN)
	if err != nil {
		return nil, &domain.ValidationError{Field: "credentials.dsn", Msg: err.Error()}
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.ConnectConfig(dialCtx, cfg)
	if err != nil {
		return nil, domain.Transient("connect remote database", err)
	}
	return &PostgresRemote{pool: pool}, nil
}

func (p *PostgresRemote) Handshake(ctx context.Context) (model.Capabilities, error) {
	var one int
	if err := p.pool.QueryRow(ctx, `SELECT 1 FROM prompts LIMIT 1;`).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Capabilities{}, nil // empty table is a valid store
		}
		return model.Capabilities{}, domain.Transient("remote handshake", err)
	}
	return model.Capabilities{}, nil
}

func remoteFilterClause(f model.PromptFilter) (string, []interface{}) {
	conds := []string{"NOT deleted"}
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

func (p *PostgresRemote) Count(ctx context.Context, filter model.PromptFilter) (int, error) {
	where, args := remoteFilterClause(filter)
	var n int
	err := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM prompts WHERE %s;`, where), args...).Scan(&n)
	if err != nil {
		return 0, domain.Transient("count remote records", err)
	}
	return n, nil
}

const remoteColumns = `id, name, content, tags, version, updated_at, deleted`

func (p *PostgresRemote) FetchBatch(ctx context.Context, filter model.PromptFilter, offset, limit int) (adapter.FetchPage, error) {
	total, err := p.Count(ctx, filter)
	if err != nil {
		return adapter.FetchPage{}, err
	}

	where, args := remoteFilterClause(filter)
	args = append(args, limit, offset)
	q := fmt.Sprintf(`SELECT %s FROM prompts WHERE %s ORDER BY name LIMIT $%d OFFSET $%d;`,
		remoteColumns, where, len(args)-1, len(args))

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return adapter.FetchPage{}, domain.Transient("fetch remote records", err)
	}
	defer rows.Close()

	page := adapter.FetchPage{Total: total}
	for rows.Next() {
		var rec model.RemoteRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Content, &rec.Tags, &rec.Version, &rec.UpdatedAt, &rec.Deleted); err != nil {
			return adapter.FetchPage{}, err
		}
		page.Records = append(page.Records, rec)
	}
	return page, rows.Err()
}

func (p *PostgresRemote) FetchByIDs(ctx context.Context, ids []string) ([]model.RemoteRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT `+remoteColumns+` FROM prompts WHERE id = ANY($1);`, ids)
	if err != nil {
		return nil, domain.Transient("fetch remote records", err)
	}
	defer rows.Close()

	var out []model.RemoteRecord
	for rows.Next() {
		var rec model.RemoteRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Content, &rec.Tags, &rec.Version, &rec.UpdatedAt, &rec.Deleted); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PushBatch upserts each record. Records without an id are inserts and
// get a fresh id assigned here; the version column bumps on every write.
func (p *PostgresRemote) PushBatch(ctx context.Context, records []model.RemoteRecord) (adapter.PushResult, error) {
	const q = `
INSERT INTO prompts (id, name, content, tags, version, updated_at, deleted)
VALUES ($1, $2, $3, $4, 1, $5, FALSE)
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  content = EXCLUDED.content,
  tags = EXCLUDED.tags,
  version = prompts.version + 1,
  updated_at = EXCLUDED.updated_at,
  deleted = FALSE
RETURNING ` + remoteColumns + `;`

	res := adapter.PushResult{}
	now := time.Now()
	for i := range records {
		rec := records[i]
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		var accepted model.RemoteRecord
		err := p.pool.QueryRow(ctx, q, rec.ID, rec.Name, rec.Content, rec.Tags, now).
			Scan(&accepted.ID, &accepted.Name, &accepted.Content, &accepted.Tags,
				&accepted.Version, &accepted.UpdatedAt, &accepted.Deleted)
		if err != nil {
			res.Rejected = append(res.Rejected, adapter.PushRejection{Name: rec.Name, Reason: err.Error()})
			continue
		}
		res.Accepted = append(res.Accepted, accepted)
	}
	return res, nil
}

func (p *PostgresRemote) Subscribe(ctx context.Context, table string, filter model.PromptFilter) (adapter.SubscriptionHandle, error) {
	return nil, domain.ErrRealtimeUnsupported
}

func (p *PostgresRemote) Close() error {
	p.pool.Close()
	return nil
}
