package idgen

import (
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewMessageID_Sortable(t *testing.T) {
	now := time.Now()
	ids := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		ids = append(ids, NewMessageID(now))
	}
	require.True(t, sort.StringsAreSorted(ids), "ids from the same millisecond must stay ordered")

	later := NewMessageID(now.Add(time.Second))
	require.Greater(t, later, ids[len(ids)-1])
}

func TestNewID(t *testing.T) {
	id := NewID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	require.NotEqual(t, id, NewID())
}
