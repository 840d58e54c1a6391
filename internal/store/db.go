// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store implements C1: typed persistence repositories for every
// entity in spec.md §3, backed by a relational schema reachable through a
// single *sqlx.DB. The production driver is Postgres (jackc/pgx/v5); the
// embedded/test driver is modernc.org/sqlite so the same code path runs
// without cgo.
package store

import (
	"context"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Driver selects the backing database engine.
type Driver string

const (
	DriverPostgres Driver = "pgx"
	DriverSQLite   Driver = "sqlite"
)

// DB wraps the shared connection pool and exposes one repository per
// entity. Repositories are stateless and safe for concurrent use; all
// mutation methods accept a context so callers can apply the materializer's
// 30s deadline (spec.md §5).
type DB struct {
	Conn *sqlx.DB
	log  logrus.FieldLogger

	Clusters          *ClusterRepository
	Routes            *RouteRepository
	Listeners         *ListenerRepository
	Filters           *FilterRepository
	FilterAttachments *FilterAttachmentRepository
	APIDefinitions    *APIDefinitionRepository
	APIRoutes         *APIRouteRepository
	ImportMetadata    *ImportMetadataRepository
	ClusterReferences *ClusterReferenceRepository
	Teams             *TeamRepository
	LearningSessions  *LearningSessionRepository
	InferredSchemas   *InferredSchemaRepository
}

// Open connects to the database identified by driver/dsn and runs pending
// goose migrations before returning. This mirrors the teacher's own
// "validate then serve" startup sequence in cmd/contour/serve.go.
func Open(ctx context.Context, driver Driver, dsn string, log logrus.FieldLogger) (*DB, error) {
	conn, err := sqlx.ConnectContext(ctx, string(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	dialect := "postgres"
	if driver == DriverSQLite {
		dialect = "sqlite3"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return nil, fmt.Errorf("setting migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, conn.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	db := &DB{Conn: conn, log: log}
	db.Clusters = &ClusterRepository{db: conn}
	db.Routes = &RouteRepository{db: conn}
	db.Listeners = &ListenerRepository{db: conn}
	db.Filters = &FilterRepository{db: conn}
	db.FilterAttachments = &FilterAttachmentRepository{db: conn}
	db.APIDefinitions = &APIDefinitionRepository{db: conn}
	db.APIRoutes = &APIRouteRepository{db: conn}
	db.ImportMetadata = &ImportMetadataRepository{db: conn}
	db.ClusterReferences = &ClusterReferenceRepository{db: conn}
	db.Teams = &TeamRepository{db: conn}
	db.LearningSessions = &LearningSessionRepository{db: conn}
	db.InferredSchemas = &InferredSchemaRepository{db: conn}
	return db, nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	return db.Conn.Close()
}

// WithTx runs fn inside a single transaction, rolling back on any error or
// panic. Materializer write-fan-outs (spec.md §4.1 "transactions wrap ...")
// and refcount mutations paired with cluster insert/delete use this.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.Conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	return err
}

// ListOptions is the common pagination + team filter every List* method
// accepts (spec.md §4.1 "list_by_team filters; list_by_teams(team_set)").
type ListOptions struct {
	Teams  []string // empty means no team filter (admin bypass)
	Limit  int
	Offset int
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return 100
	}
	return o.Limit
}
