package coordinate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite-backed durable store. WAL mode for concurrent reads, a single
// writer connection to avoid SQLITE_BUSY, version-checked updates that
// surface `BackendConflictError` with the authoritative row.

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    properties TEXT NOT NULL DEFAULT '{}',
    parent_id TEXT NOT NULL DEFAULT '',
    before_sibling_id TEXT NOT NULL DEFAULT '',
    container_node_id TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL DEFAULT 0,
    modified_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_entities_parent ON entities(parent_id);
`

type SqliteBackend struct {
	db *sql.DB
}

// opens or creates the database at `path`, applying pragmas and schema.
// idempotent.
func OpenSqliteBackend(path string) (*SqliteBackend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open backend: %w", err)
	}

	// sqlite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SqliteBackend{
		db: db,
	}, nil
}

func (self *SqliteBackend) Close() error {
	if self.db == nil {
		return nil
	}
	return self.db.Close()
}

func (self *SqliteBackend) CreateEntity(ctx context.Context, entity *Entity) error {
	propertiesJson, err := json.Marshal(entity.Properties)
	if err != nil {
		return fmt.Errorf("create %s: %w", entity.Id, err)
	}
	version := entity.Version
	if version <= 0 {
		version = 1
	}
	_, err = self.db.ExecContext(ctx, `
		INSERT INTO entities
		(id, type, content, properties, parent_id, before_sibling_id, container_node_id, version, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			content = excluded.content,
			properties = excluded.properties,
			parent_id = excluded.parent_id,
			before_sibling_id = excluded.before_sibling_id,
			container_node_id = excluded.container_node_id,
			version = excluded.version,
			modified_at = excluded.modified_at
	`,
		entity.Id,
		entity.Type,
		entity.Content,
		string(propertiesJson),
		entity.ParentId,
		entity.BeforeSiblingId,
		entity.ContainerNodeId,
		version,
		entity.CreatedAt,
		entity.ModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("create %s: %w", entity.Id, err)
	}
	return nil
}

func (self *SqliteBackend) UpdateEntity(ctx context.Context, entityId string, changes *EntityChanges, expectedVersion int) (*Entity, error) {
	current, err := self.GetEntity(ctx, entityId)
	if err != nil {
		return nil, err
	}
	if expectedVersion != 0 && current.Version != expectedVersion {
		return nil, &BackendConflictError{
			ActualVersion:   current.Version,
			ExpectedVersion: expectedVersion,
			CurrentEntity:   current,
		}
	}

	next := changes.ApplyTo(current)
	next.Version = current.Version + 1
	propertiesJson, err := json.Marshal(next.Properties)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", entityId, err)
	}

	result, err := self.db.ExecContext(ctx, `
		UPDATE entities SET
			type = ?, content = ?, properties = ?,
			parent_id = ?, before_sibling_id = ?, container_node_id = ?,
			version = ?, modified_at = ?
		WHERE id = ? AND version = ?
	`,
		next.Type,
		next.Content,
		string(propertiesJson),
		next.ParentId,
		next.BeforeSiblingId,
		next.ContainerNodeId,
		next.Version,
		next.ModifiedAt,
		entityId,
		current.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", entityId, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", entityId, err)
	}
	if affected == 0 {
		// a writer slipped in between the read and the update
		authoritative, getErr := self.GetEntity(ctx, entityId)
		if getErr != nil {
			return nil, fmt.Errorf("update %s: %w", entityId, ErrEntityNotFound)
		}
		return nil, &BackendConflictError{
			ActualVersion:   authoritative.Version,
			ExpectedVersion: current.Version,
			CurrentEntity:   authoritative,
		}
	}
	return next, nil
}

func (self *SqliteBackend) DeleteEntity(ctx context.Context, entityId string) error {
	result, err := self.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, entityId)
	if err != nil {
		return fmt.Errorf("delete %s: %w", entityId, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", entityId, err)
	}
	if affected == 0 {
		return fmt.Errorf("delete %s: %w", entityId, ErrEntityNotFound)
	}
	return nil
}

func (self *SqliteBackend) MoveEntity(ctx context.Context, entityId string, parentId string, beforeSiblingId string) error {
	_, err := self.UpdateEntity(ctx, entityId, &EntityChanges{
		ParentId:        StrPtr(parentId),
		BeforeSiblingId: StrPtr(beforeSiblingId),
	}, 0)
	return err
}

func (self *SqliteBackend) GetEntity(ctx context.Context, entityId string) (*Entity, error) {
	row := self.db.QueryRowContext(ctx, `
		SELECT id, type, content, properties, parent_id, before_sibling_id, container_node_id, version, created_at, modified_at
		FROM entities WHERE id = ?
	`, entityId)
	entity, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get %s: %w", entityId, ErrEntityNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", entityId, err)
	}
	return entity, nil
}

func (self *SqliteBackend) ListEntities(ctx context.Context) ([]*Entity, error) {
	rows, err := self.db.QueryContext(ctx, `
		SELECT id, type, content, properties, parent_id, before_sibling_id, container_node_id, version, created_at, modified_at
		FROM entities ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	entities := []*Entity{}
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("list entities: %w", err)
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	entity := &Entity{}
	var propertiesJson string
	err := row.Scan(
		&entity.Id,
		&entity.Type,
		&entity.Content,
		&propertiesJson,
		&entity.ParentId,
		&entity.BeforeSiblingId,
		&entity.ContainerNodeId,
		&entity.Version,
		&entity.CreatedAt,
		&entity.ModifiedAt,
	)
	if err != nil {
		return nil, err
	}
	if propertiesJson != "" && propertiesJson != "{}" && propertiesJson != "null" {
		if err := json.Unmarshal([]byte(propertiesJson), &entity.Properties); err != nil {
			return nil, err
		}
	}
	return entity, nil
}
