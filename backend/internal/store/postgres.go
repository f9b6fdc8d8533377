package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"plotLines/backend/internal/entity"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id         VARCHAR(64) PRIMARY KEY,
	title      VARCHAR(255) NOT NULL DEFAULT '',
	owner_id   BIGINT NOT NULL DEFAULT 0,
	ot_version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS ot_steps (
	document_id VARCHAR(64) NOT NULL REFERENCES documents(id),
	version     BIGINT NOT NULL,
	step_json   JSONB NOT NULL,
	author_id   VARCHAR(64) NOT NULL,
	user_id     BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (document_id, version)
);
CREATE TABLE IF NOT EXISTS snapshots (
	document_id      VARCHAR(64) NOT NULL REFERENCES documents(id),
	snapshot_version BIGINT NOT NULL,
	content_json     JSONB NOT NULL,
	ot_version       BIGINT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (document_id, snapshot_version)
);`

// PostgresStore 基于 pgx 连接池
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *entity.Document) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO documents (id, title, owner_id, ot_version) VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		doc.ID, doc.Title, doc.OwnerID, doc.OTVersion,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDocumentExists
	}
	return err
}

func scanDocument(row pgx.Row) (*entity.Document, error) {
	var doc entity.Document
	err := row.Scan(&doc.ID, &doc.Title, &doc.OwnerID, &doc.OTVersion, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	return &doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, docID string) (*entity.Document, error) {
	return scanDocument(s.pool.QueryRow(ctx,
		`SELECT id, title, owner_id, ot_version, created_at, updated_at FROM documents WHERE id = $1`, docID))
}

func (s *PostgresStore) AppendSteps(ctx context.Context, docID string, expected uint64, steps []entity.OTStep) error {
	if len(steps) == 0 {
		return nil
	}
	// 单个事务：校验版本 -> 写入全部步骤 -> 推进版本；任一步失败整体回滚
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		doc, err := scanDocument(tx.QueryRow(ctx,
			`SELECT id, title, owner_id, ot_version, created_at, updated_at FROM documents WHERE id = $1 FOR UPDATE`, docID))
		if err != nil {
			return err
		}
		if doc.OTVersion != expected {
			return ErrVersionConflict
		}
		for _, st := range steps {
			_, err := tx.Exec(ctx,
				`INSERT INTO ot_steps (document_id, version, step_json, author_id, user_id) VALUES ($1, $2, $3, $4, $5)`,
				docID, st.Version, st.StepJSON, st.AuthorID, st.UserID)
			if err != nil {
				if isUniqueViolation(err) {
					return ErrVersionConflict
				}
				return err
			}
		}
		tag, err := tx.Exec(ctx,
			`UPDATE documents SET ot_version = $1, updated_at = now() WHERE id = $2 AND ot_version = $3`,
			expected+uint64(len(steps)), docID, expected)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return ErrVersionConflict
		}
		return nil
	})
}

func (s *PostgresStore) StepsSince(ctx context.Context, docID string, since uint64) ([]entity.OTStep, error) {
	if _, err := s.GetDocument(ctx, docID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT document_id, version, step_json, author_id, user_id, created_at
		FROM ot_steps WHERE document_id = $1 AND version > $2 ORDER BY version`, docID, since)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.OTStep, error) {
		var st entity.OTStep
		err := row.Scan(&st.DocumentID, &st.Version, &st.StepJSON, &st.AuthorID, &st.UserID, &st.CreatedAt)
		return st, err
	})
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, docID string) (*entity.Snapshot, error) {
	var snap entity.Snapshot
	err := s.pool.QueryRow(ctx,
		`SELECT document_id, snapshot_version, content_json, ot_version, created_at
		FROM snapshots WHERE document_id = $1 ORDER BY ot_version DESC, snapshot_version DESC LIMIT 1`, docID,
	).Scan(&snap.DocumentID, &snap.SnapshotVersion, &snap.ContentJSON, &snap.OTVersion, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return &snap, nil
}

func (s *PostgresStore) CreateSnapshot(ctx context.Context, snap *entity.Snapshot) (uint64, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := scanDocument(tx.QueryRow(ctx,
			`SELECT id, title, owner_id, ot_version, created_at, updated_at FROM documents WHERE id = $1 FOR UPDATE`,
			snap.DocumentID)); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`INSERT INTO snapshots (document_id, snapshot_version, content_json, ot_version)
			SELECT $1, COALESCE(MAX(snapshot_version), 0) + 1, $2, $3 FROM snapshots WHERE document_id = $1
			RETURNING snapshot_version, created_at`,
			snap.DocumentID, snap.ContentJSON, snap.OTVersion,
		).Scan(&snap.SnapshotVersion, &snap.CreatedAt)
	})
	if err != nil {
		return 0, err
	}
	return snap.SnapshotVersion, nil
}

func (s *PostgresStore) PruneSteps(ctx context.Context, docID string, upTo uint64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ot_steps WHERE document_id = $1 AND version <= $2`, docID, upTo)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
