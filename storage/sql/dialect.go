package sql

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the differences between the SQL databases the store can
// run on.
type Dialect struct {
	// Name is the name used in configuration.
	Name string
	// DriverName is the database/sql driver registered for this dialect.
	DriverName string

	blobType string
	// numbered placeholders ($1, $2) rather than ?
	numbered bool
	// supports INSERT .. ON CONFLICT .. DO UPDATE .. WHERE and DELETE ..
	// RETURNING. Dialects without it fall back to row locking transactions.
	upsertReturning bool
	// one open connection only, to avoid writer lock contention
	singleConn bool
}

var (
	Postgres = &Dialect{
		Name:            "postgres",
		DriverName:      "postgres",
		blobType:        "bytea",
		numbered:        true,
		upsertReturning: true,
	}
	SQLite = &Dialect{
		Name:            "sqlite",
		DriverName:      "sqlite",
		blobType:        "blob",
		upsertReturning: true,
		singleConn:      true,
	}
	MySQL = &Dialect{
		Name:       "mysql",
		DriverName: "mysql",
		blobType:   "longblob",
	}
)

// DialectFor returns the dialect with the given configuration name.
func DialectFor(name string) (*Dialect, error) {
	for _, d := range []*Dialect{Postgres, SQLite, MySQL} {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("unknown sql dialect %q", name)
}

// rebind converts ? placeholders to the dialect's style. Queries in this
// package never contain a literal ?.
func (d *Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var (
		b strings.Builder
		n int
	)
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *Dialect) migrations() []string {
	return []string{
		`create table kv_items (
			keyspace varchar(191) not null,
			item_key varchar(191) not null,
			version bigint not null,
			value ` + d.blobType + ` not null,
			expires bigint,
			primary key (keyspace, item_key)
		)`,
		`create index kv_items_expires on kv_items (expires)`,
	}
}
