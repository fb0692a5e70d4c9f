// Package pgdb provides a channel.Store backed by a postgres database.
package pgdb

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"code.kerpass.org/channel/pkg/channel"
)

const defaultLimit = 16

// PGDB is implemented by pgx.Tx, pgx.Conn & pgxpool.Pool
// accessing a postgres database through this common interface simplifies testing
type PGDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SnapshotStore keeps channel Snapshots in the snapshot table.
// Snapshots are stored cbor encoded, State & Type are copied in their own columns for queries.
type SnapshotStore struct {
	DB PGDB
}

//go:embed snap_schema.sql
var schemaScriptTpl string

// Migrate creates the snapshot table in schema dbschema.
func Migrate(pgconn *pgx.Conn, dbschema string) error {
	schemaName := pgx.Identifier{dbschema}.Sanitize()
	schemaScript := strings.ReplaceAll(schemaScriptTpl, "${schema_name}", schemaName)

	_, err := pgconn.Exec(context.Background(), schemaScript)

	return wrapError(err, "failed db schema initialization") // nil if err is nil
}

// New returns a SnapshotStore that uses a connection pool to the dsn database.
func New(ctx context.Context, dsn string) (*SnapshotStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if nil != err {
		return nil, wrapError(err, "failed connection pool creation")
	}

	return &SnapshotStore{DB: pool}, nil
}

// SaveSnapshot implements channel.Store.
func (self *SnapshotStore) SaveSnapshot(ctx context.Context, snap channel.Snapshot) error {
	err := snap.Check()
	if nil != err {
		return wrapError(err, "snapshot is invalid")
	}
	srzsnap, err := cbor.Marshal(snap)
	if nil != err {
		return wrapError(err, "failed cbor.Marshal(snap)")
	}
	_, err = self.DB.Exec(
		ctx,
		`INSERT INTO snapshot(channel_id, channel_type, state, data) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (channel_id) DO UPDATE SET
		 channel_type = EXCLUDED.channel_type,
		 state = EXCLUDED.state,
		 data = EXCLUDED.data,
		 updated_at = now()`,
		snap.ChannelId,
		snap.Type,
		int16(snap.State),
		srzsnap,
	)

	return wrapError(err, "failed saving snapshot") // nil if err is nil
}

// LoadSnapshot implements channel.Store.
func (self *SnapshotStore) LoadSnapshot(ctx context.Context, channelId string, dst *channel.Snapshot) (bool, error) {
	var srzsnap []byte
	row := self.DB.QueryRow(ctx, `SELECT data FROM snapshot WHERE channel_id = $1`, channelId)
	err := row.Scan(&srzsnap)
	if nil != err {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, wrapError(err, "failed loading snapshot")
	}
	err = cbor.Unmarshal(srzsnap, dst)
	if nil != err {
		return false, wrapError(err, "failed cbor.Unmarshal")
	}
	return true, nil
}

// RemoveSnapshot implements channel.Store.
func (self *SnapshotStore) RemoveSnapshot(ctx context.Context, channelId string) (bool, error) {
	var deleted int
	row := self.DB.QueryRow(
		ctx,
		`WITH deleted AS (DELETE FROM snapshot WHERE channel_id = $1 RETURNING id)
		 SELECT count(id) FROM deleted`,
		channelId,
	)
	err := row.Scan(&deleted)
	if nil != err {
		return false, wrapError(err, "failed DELETE query")
	}
	return deleted > 0, nil
}

// SnapshotCount implements channel.Store.
func (self *SnapshotStore) SnapshotCount(ctx context.Context) (int, error) {
	var count int
	err := self.DB.QueryRow(ctx, `SELECT count(*) FROM snapshot`).Scan(&count)
	return count, wrapError(err, "failed counting snapshots") // nil if err is nil
}

// ListChannels returns the ChannelIds of at most limit stored channels in State state,
// most recently saved first. A zero limit defaults to 16.
func (self *SnapshotStore) ListChannels(ctx context.Context, state channel.State, limit int) ([]string, error) {
	if 0 == limit {
		limit = defaultLimit
	}
	rows, err := self.DB.Query(
		ctx,
		`SELECT channel_id FROM snapshot
		 WHERE state = $1
		 ORDER BY updated_at DESC, channel_id
		 LIMIT $2`,
		int16(state),
		limit,
	)
	if nil != err {
		return nil, wrapError(err, "failed DB.Query")
	}
	channelIds, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return channelIds, wrapError(err, "failed pgx.CollectRows") // nil if err is nil
}

var _ channel.Store = &SnapshotStore{}
