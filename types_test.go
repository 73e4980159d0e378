package parquedb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEntityIDIsUnique(t *testing.T) {
	a := NewEntityID()
	b := NewEntityID()
	require.NotEqual(t, a, b)
	require.NotEmpty(t, a)
}

func TestNewSubscriptionAndConnectionIDs(t *testing.T) {
	require.NotEqual(t, NewSubscriptionID(), NewConnectionID())
}
