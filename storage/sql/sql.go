// Package sql implements storage.Storage on a relational database. Postgres,
// SQLite and MySQL are supported, selected by Dialect.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"   // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/pardot/ssoidc/storage"
)

// mysql error number for a duplicate primary key
const mysqlErrDuplicateEntry = 1062

type Storage struct {
	db      *sql.DB
	dialect *Dialect

	now func() time.Time
}

var _ storage.Storage = (*Storage)(nil)
var _ storage.Collector = (*Storage)(nil)

// Open connects to the database at dsn and runs any pending migrations.
func Open(ctx context.Context, dialect *Dialect, dsn string) (*Storage, error) {
	db, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", dialect.Name, err)
	}
	if dialect.singleConn {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to %s database: %w", dialect.Name, err)
	}
	return New(ctx, db, dialect)
}

func New(ctx context.Context, db *sql.DB, dialect *Dialect) (*Storage, error) {
	s := &Storage{
		db:      db,
		dialect: dialect,
		now:     time.Now,
	}

	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating %s database: %w", dialect.Name, err)
	}

	return s, nil
}

// Close closes the underlying database handle.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(
		ctx,
		`create table if not exists kv_migrations (
		idx int primary key not null,
		at bigint not null
		)`,
	); err != nil {
		return err
	}

	migrations := s.dialect.migrations()

	return s.execTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var maxIdx sql.NullInt64
		if err := tx.QueryRowContext(ctx, `select max(idx) from kv_migrations`).Scan(&maxIdx); err != nil {
			return err
		}

		i := 0
		if maxIdx.Valid {
			i = int(maxIdx.Int64) + 1
		}

		for ; i < len(migrations); i++ {
			if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx, s.dialect.rebind(`insert into kv_migrations (idx, at) values (?, ?)`), i, s.now().Unix()); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *Storage) Get(ctx context.Context, keyspace, key string, into interface{}) (version int64, err error) {
	var value []byte
	if err := s.db.QueryRowContext(
		ctx,
		s.dialect.rebind(`select version, value from kv_items where keyspace=? and item_key=? and (expires is null or expires > ?)`),
		keyspace, key, s.now().UnixNano(),
	).Scan(&version, &value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, &storage.NotFoundError{Keyspace: keyspace, Key: key}
		}

		return 0, err
	}

	if err := storage.Unmarshal(value, into); err != nil {
		return 0, err
	}

	return version, nil
}

func (s *Storage) Put(ctx context.Context, keyspace, key string, version int64, obj interface{}) (newVersion int64, err error) {
	return s.putWithOptionalExpiry(ctx, keyspace, key, version, obj, nil)
}

func (s *Storage) PutWithExpiry(ctx context.Context, keyspace, key string, version int64, obj interface{}, expires time.Time) (newVersion int64, err error) {
	return s.putWithOptionalExpiry(ctx, keyspace, key, version, obj, &expires)
}

func (s *Storage) putWithOptionalExpiry(ctx context.Context, keyspace, key string, version int64, obj interface{}, expires *time.Time) (newVersion int64, err error) {
	value, err := storage.Marshal(obj)
	if err != nil {
		return 0, err
	}

	var exp sql.NullInt64
	if expires != nil {
		exp = sql.NullInt64{Int64: expires.UnixNano(), Valid: true}
	}
	newVersion = version + 1

	if !s.dialect.upsertReturning {
		return newVersion, s.putLocked(ctx, keyspace, key, version, newVersion, value, exp)
	}

	resp, err := s.db.ExecContext(
		ctx,
		s.dialect.rebind(`insert into kv_items as v
		(keyspace, item_key, version, value, expires)
		values (?, ?, ?, ?, ?)
		on conflict (keyspace, item_key)
		do update set version=excluded.version, value=excluded.value, expires=excluded.expires
		where v.version=? or (v.expires is not null and v.expires <= ?)`),
		keyspace, key, newVersion, value, exp, version, s.now().UnixNano(),
	)
	if err != nil {
		return 0, err
	}

	rowsAffected, err := resp.RowsAffected()
	if err != nil {
		return 0, err
	} else if rowsAffected == 0 {
		return 0, &storage.ConflictError{Keyspace: keyspace, Key: key}
	}

	return newVersion, nil
}

// putLocked is the version checked write for dialects without conditional
// upserts. The existing row is locked for the duration of the check.
func (s *Storage) putLocked(ctx context.Context, keyspace, key string, version, newVersion int64, value []byte, exp sql.NullInt64) error {
	err := s.execTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var (
			curVersion int64
			curExpires sql.NullInt64
		)
		err := tx.QueryRowContext(
			ctx,
			s.dialect.rebind(`select version, expires from kv_items where keyspace=? and item_key=? for update`),
			keyspace, key,
		).Scan(&curVersion, &curExpires)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err := tx.ExecContext(
				ctx,
				s.dialect.rebind(`insert into kv_items (keyspace, item_key, version, value, expires) values (?, ?, ?, ?, ?)`),
				keyspace, key, newVersion, value, exp,
			)
			return err
		case err != nil:
			return err
		}

		live := !curExpires.Valid || curExpires.Int64 > s.now().UnixNano()
		if live && curVersion != version {
			return &storage.ConflictError{Keyspace: keyspace, Key: key}
		}

		_, err = tx.ExecContext(
			ctx,
			s.dialect.rebind(`update kv_items set version=?, value=?, expires=? where keyspace=? and item_key=?`),
			newVersion, value, exp, keyspace, key,
		)
		return err
	})

	var merr *mysql.MySQLError
	if errors.As(err, &merr) && merr.Number == mysqlErrDuplicateEntry {
		return &storage.ConflictError{Keyspace: keyspace, Key: key}
	}
	return err
}

func (s *Storage) List(ctx context.Context, keyspace string) (keys []string, err error) {
	rows, err := s.db.QueryContext(
		ctx,
		s.dialect.rebind(`select item_key from kv_items
		where keyspace=? and (expires is null or expires > ?)`),
		keyspace, s.now().UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys = []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}

		keys = append(keys, key)
	}

	return keys, rows.Err()
}

func (s *Storage) Delete(ctx context.Context, keyspace, key string) error {
	res, err := s.db.ExecContext(
		ctx,
		s.dialect.rebind(`delete from kv_items where keyspace=? and item_key=? and (expires is null or expires > ?)`),
		keyspace, key, s.now().UnixNano(),
	)
	if err != nil {
		return err
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return &storage.NotFoundError{Keyspace: keyspace, Key: key}
	}

	return nil
}

func (s *Storage) Take(ctx context.Context, keyspace, key string, into interface{}) error {
	var (
		value   []byte
		expires sql.NullInt64
	)

	if s.dialect.upsertReturning {
		if err := s.db.QueryRowContext(
			ctx,
			s.dialect.rebind(`delete from kv_items where keyspace=? and item_key=? returning value, expires`),
			keyspace, key,
		).Scan(&value, &expires); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &storage.NotFoundError{Keyspace: keyspace, Key: key}
			}
			return err
		}
	} else {
		if err := s.execTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			if err := tx.QueryRowContext(
				ctx,
				s.dialect.rebind(`select value, expires from kv_items where keyspace=? and item_key=? for update`),
				keyspace, key,
			).Scan(&value, &expires); err != nil {
				return err
			}
			_, err := tx.ExecContext(
				ctx,
				s.dialect.rebind(`delete from kv_items where keyspace=? and item_key=?`),
				keyspace, key,
			)
			return err
		}); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &storage.NotFoundError{Keyspace: keyspace, Key: key}
			}
			return err
		}
	}

	if expires.Valid && expires.Int64 <= s.now().UnixNano() {
		return &storage.NotFoundError{Keyspace: keyspace, Key: key}
	}

	return storage.Unmarshal(value, into)
}

func (s *Storage) GarbageCollect(ctx context.Context, now time.Time) (removed int, err error) {
	res, err := s.db.ExecContext(
		ctx,
		s.dialect.rebind(`delete from kv_items where expires is not null and expires <= ?`),
		now.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Storage) execTx(ctx context.Context, f func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := f(ctx, tx); err != nil {
		// Not much we can do about an error here, but at least the database will
		// eventually cancel it on its own if it fails
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}
