package errors

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without underlying error",
			err:  New(ErrValidation, "title is required"),
			want: "[VALIDATION_ERROR] title is required",
		},
		{
			name: "with underlying error",
			err:  Wrap(ErrDatabase, "insert task", sql.ErrConnDone),
			want: "[DATABASE_ERROR] insert task: sql: connection is already closed",
		},
		{
			name: "formatted",
			err:  Newf(ErrNotFound, "task %s", "abc"),
			want: "[NOT_FOUND] task abc",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	err := Wrap(ErrDatabase, "query", sql.ErrNoRows)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
	assert.Nil(t, New(ErrInternal, "x").Unwrap())
}

func TestIs(t *testing.T) {
	inner := Wrap(ErrSyncAuthFailed, "token rejected", nil)
	outer := Wrap(ErrSyncFailed, "drain", inner)
	wrapped := fmt.Errorf("context: %w", outer)

	assert.True(t, Is(outer, ErrSyncFailed))
	assert.True(t, Is(outer, ErrSyncAuthFailed))
	assert.True(t, Is(wrapped, ErrSyncFailed))
	assert.False(t, Is(wrapped, ErrDatabase))
	assert.False(t, Is(errors.New("plain"), ErrInternal))
	assert.False(t, Is(nil, ErrInternal))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrValidation, CodeOf(fmt.Errorf("x: %w", New(ErrValidation, "bad"))))
	assert.Equal(t, ErrInternal, CodeOf(errors.New("plain")))
}
