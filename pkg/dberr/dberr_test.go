package dberr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapIsKind(t *testing.T) {
	err := Wrap(NotFound, "flatfile.Read", nil)
	assert.True(t, errors.Is(err, NotFound))
	assert.False(t, errors.Is(err, Corruption))
}

func TestWrapUnwrapsCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := Wrap(IOFailure, "equiblobs.Open", cause)
	assert.True(t, errors.Is(err, IOFailure))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Contains(t, err.Error(), "equiblobs.Open")
}

func TestWrapNoCause(t *testing.T) {
	err := Wrap(ChecksumMismatch, "flatfile.Read", nil)
	assert.Equal(t, ChecksumMismatch, err.Unwrap())
}
