//go:build integration

// Package store starts a disposable MySQL endpoint with fixture data for
// integration tests.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	rootPassword = "koko"
	database     = "ads"
	// EmptyDatabase exists on the server but holds no tables.
	EmptyDatabase = "ads_empty"
)

// TestDatabase is a running MySQL container.
type TestDatabase struct {
	Container testcontainers.Container
	Host      string
	Port      string
}

// User and Credential log in to the fixture server.
func (db *TestDatabase) User() string       { return "root" }
func (db *TestDatabase) Credential() string { return rootPassword }

// URL returns an endpoint URL for dbName in the form endpoint configs use.
func (db *TestDatabase) URL(dbName string) string {
	return fmt.Sprintf("jdbc:mysql://%s:%s/%s?characterEncoding=UTF-8", db.Host, db.Port, dbName)
}

// Terminate stops the container.
func (db *TestDatabase) Terminate(ctx context.Context) error {
	return db.Container.Terminate(ctx)
}

// SetupTestDatabase starts MySQL and applies the fixture migrations.
func SetupTestDatabase(ctx context.Context) (*TestDatabase, error) {
	containerReq := testcontainers.ContainerRequest{
		Image:        "mysql:8.0",
		ExposedPorts: []string{"3306/tcp"},
		WaitingFor:   wait.ForListeningPort("3306/tcp"),
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": rootPassword,
			"MYSQL_DATABASE":      database,
		},
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: containerReq,
		Started:          true,
	})
	if err != nil {
		return nil, err
	}
	db := &TestDatabase{Container: container}
	port, err := container.MappedPort(ctx, "3306")
	if err != nil {
		return nil, errors.Join(err, container.Terminate(ctx))
	}
	db.Port = port.Port()
	if db.Host, err = container.Host(ctx); err != nil {
		return nil, errors.Join(err, container.Terminate(ctx))
	}

	dsn := fmt.Sprintf("mysql://root:%s@tcp(%s:%s)/%s?multiStatements=true", rootPassword, db.Host, db.Port, database)
	if err := MigrateDb(dsn); err != nil {
		return nil, errors.Join(err, container.Terminate(ctx))
	}
	return db, nil
}

// MigrateDb applies the embedded migrations to the database at dsn.
func MigrateDb(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
