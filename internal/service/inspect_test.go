package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/devrev/ddbd/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectTables(t *testing.T) {
	te := newTestEngine(t, "")
	seedTables(t, te)

	reopened := newTestEngine(t, te.dir)
	bogus := util.UpdateHashString(util.HashState{}, "not the log")
	require.NoError(t, reopened.logs.WriteHash('c', bogus))

	logPath := filepath.Join(te.dir, LogFileName('n'))
	before, err := os.ReadFile(logPath)
	require.NoError(t, err)

	reports, err := InspectTables(reopened.Tables(), reopened.logs)
	require.NoError(t, err)
	require.Len(t, reports, len(te.layout))

	byID := make(map[string]TableReport)
	for _, r := range reports {
		byID[r.ID.String()] = r
	}

	n := byID["n"]
	assert.Equal(t, te.state(t, 'n').Serial, n.Serial)
	assert.Equal(t, 7, n.Records)
	assert.Equal(t, uint64(21), n.LogLines)
	assert.True(t, n.HashOK)
	assert.Equal(t, n.Hash, n.StoredHash)

	c := byID["c"]
	assert.False(t, c.HashOK)
	assert.Equal(t, bogus.Encode(), c.StoredHash)
	assert.Equal(t, 3, c.Records)

	after, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
