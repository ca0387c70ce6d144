package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNaturalDeadlineGoDuration(t *testing.T) {
	before := time.Now().UTC()
	deadline, err := parseNaturalDeadline("45m")
	require.NoError(t, err)

	offset := deadline.Sub(before)
	assert.GreaterOrEqual(t, offset, 44*time.Minute)
	assert.LessOrEqual(t, offset, 46*time.Minute)
}

func TestParseNaturalDeadlineInvalid(t *testing.T) {
	_, err := parseNaturalDeadline("definitely not a duration")
	assert.Error(t, err)
}

func TestParseNaturalDeadlineRejectsPast(t *testing.T) {
	// Past phrases parse but fail the future check; unparseable ones fail
	// outright. Either way no deadline comes back.
	_, err := parseNaturalDeadline("yesterday")
	assert.Error(t, err)

	_, err = parseNaturalDeadline("-10m")
	assert.Error(t, err)
}
