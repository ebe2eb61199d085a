package executor

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteInjectsLimitWhenAbsent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT provider_name FROM providers WHERE provider_state = 'NY' LIMIT 20`).
		WillReturnRows(sqlmock.NewRows([]string{"provider_name"}).AddRow("Mercy Hospital"))
	mock.ExpectCommit()

	e := NewWithDB(db, time.Second)
	rows, err := e.Execute(context.Background(), `SELECT provider_name FROM providers WHERE provider_state = 'NY'`, 20)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Mercy Hospital", rows[0]["provider_name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteLeavesExistingLimitUntouched(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM providers LIMIT 5`).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectCommit()

	e := NewWithDB(db, time.Second)
	rows, err := e.Execute(context.Background(), `SELECT 1 FROM providers LIMIT 5`, 20)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRollsBackOnQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM providers LIMIT 5`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	e := NewWithDB(db, time.Second)
	_, err = e.Execute(context.Background(), `SELECT 1 FROM providers LIMIT 5`, 20)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteCapsAtMaxRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM providers LIMIT 2`).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1).AddRow(2).AddRow(3))
	mock.ExpectCommit()

	e := NewWithDB(db, time.Second)
	rows, err := e.Execute(context.Background(), `SELECT 1 FROM providers LIMIT 2`, 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
