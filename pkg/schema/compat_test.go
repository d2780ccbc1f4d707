package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompatAcceptsVersionsInRange(t *testing.T) {
	c, err := NewCompat(map[string]string{"guest": "^1.0"})
	require.NoError(t, err)

	assert.NoError(t, c.Check("guest", "1.0.0"))
	assert.NoError(t, c.Check("guest", "1.2.3"))
}

func TestCompatRejectsMajorBump(t *testing.T) {
	c, err := NewCompat(map[string]string{"guest": "^1.0"})
	require.NoError(t, err)

	err = c.Check("guest", "2.0.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not satisfy")
}

func TestCompatUnconstrainedKindAcceptsAnything(t *testing.T) {
	c, err := NewCompat(map[string]string{"guest": "^1.0"})
	require.NoError(t, err)

	assert.NoError(t, c.Check("vendor", "9.9.9"))
}

func TestCompatRejectsGarbageVersion(t *testing.T) {
	c, err := NewCompat(map[string]string{"guest": "^1.0"})
	require.NoError(t, err)

	err = c.Check("guest", "not-a-version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid payload version")
}

func TestNewCompatRejectsBadConstraint(t *testing.T) {
	_, err := NewCompat(map[string]string{"guest": ">>nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid version constraint")
}

func TestCompatRangeConstraint(t *testing.T) {
	c, err := NewCompat(map[string]string{"payment": ">=1.2, <2"})
	require.NoError(t, err)

	assert.Error(t, c.Check("payment", "1.1.9"))
	assert.NoError(t, c.Check("payment", "1.2.0"))
	assert.NoError(t, c.Check("payment", "1.9.0"))
	assert.Error(t, c.Check("payment", "2.0.0"))
}
