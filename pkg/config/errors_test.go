package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadErrorError(t *testing.T) {
	err := &LoadError{File: "whizbang.yaml", Err: errors.New("file not found")}
	errStr := err.Error()
	assert.Contains(t, errStr, "whizbang.yaml")
	assert.Contains(t, errStr, "file not found")
}

func TestLoadErrorUnwrap(t *testing.T) {
	baseErr := errors.New("base error")
	loadErr := &LoadError{File: "whizbang.yaml", Err: baseErr}

	assert.Equal(t, baseErr, loadErr.Unwrap())
	assert.True(t, errors.Is(loadErr, baseErr))
}

func TestNewLoadError(t *testing.T) {
	baseErr := errors.New("boom")
	err := NewLoadError("whizbang.yaml", baseErr)
	assert.Equal(t, "whizbang.yaml", err.File)
	assert.ErrorIs(t, err, baseErr)
}
