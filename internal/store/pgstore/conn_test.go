package pgstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   Config
		want Config
	}{
		{
			name: "zero",
			in:   Config{},
			want: Config{MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: 30 * time.Minute, ConnectTimeout: 5 * time.Second},
		},
		{
			name: "pool size from config",
			in:   Config{MaxOpenConns: 25, ConnectTimeout: 2 * time.Second},
			want: Config{MaxOpenConns: 25, MaxIdleConns: 12, ConnMaxLifetime: 30 * time.Minute, ConnectTimeout: 2 * time.Second},
		},
		{
			name: "idle capped by open",
			in:   Config{MaxOpenConns: 1, MaxIdleConns: 8, ConnMaxLifetime: time.Minute},
			want: Config{MaxOpenConns: 1, MaxIdleConns: 1, ConnMaxLifetime: time.Minute, ConnectTimeout: 5 * time.Second},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.withDefaults())
		})
	}
}

func TestPrepareAppliesPoolLimits(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectPing()
	require.NoError(t, prepare(context.Background(), db, Config{MaxOpenConns: 7}))
	assert.Equal(t, 7, db.Stats().MaxOpenConnections)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrepareReportsPingFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	down := errors.New("connection refused")
	mock.ExpectPing().WillReturnError(down)
	err = prepare(context.Background(), db, Config{ConnectTimeout: time.Second})
	assert.ErrorIs(t, err, down)
}
