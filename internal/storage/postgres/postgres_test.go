package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSQLStateError struct {
	code string
}

func (e *fakeSQLStateError) Error() string    { return "sqlstate " + e.code }
func (e *fakeSQLStateError) SQLState() string { return e.code }

func TestIsDuplicateKeyError(t *testing.T) {
	dup := &fakeSQLStateError{code: "23505"}
	assert.True(t, isDuplicateKeyError(dup))
	assert.True(t, isDuplicateKeyError(fmt.Errorf("inserting player: %w", dup)))

	assert.False(t, isDuplicateKeyError(&fakeSQLStateError{code: "23503"}))
	assert.False(t, isDuplicateKeyError(errors.New("plain error")))
	assert.False(t, isDuplicateKeyError(nil))
}
