package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestLockID(t *testing.T) {
	a := LockID("catalog_groups", "default")

	assert.Equal(t, a, LockID("catalog_groups", "default"))
	assert.NotEqual(t, a, LockID("catalog_group", "sdefault"))
	assert.NotEqual(t, a, LockID("catalog_groups"))
	assert.NotEqual(t, LockID("a", "bc"), LockID("a", "b", "c"))
}

func TestIsUniqueViolation(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505"}

	assert.True(t, IsUniqueViolation(unique))
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", unique)))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"})))
	assert.True(t, IsRetryable(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, IsRetryable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsRetryable(errors.New("boom")))
}

func TestConnectionParams_ConnString(t *testing.T) {
	params := ConnectionParams{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "skills", SSLMode: "disable"}

	assert.Equal(t, "host=db port=5432 user=u password=p dbname=skills sslmode=disable", params.ConnString())
}
