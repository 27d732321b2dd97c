package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeverityOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Severity
	}{
		{"nil", nil, SeverityNoOp},
		{"duplicate", DuplicateRecord("n", 4, 9), SeverityNoOp},
		{"invalid key", InvalidKey("a b", "whitespace"), SeverityRejected},
		{"not authorized", NotAuthorized("leaf1", "drop"), SeverityRejected},
		{"unknown peer", UnknownPeer("ghost"), SeverityRejected},
		{"hash mismatch", HashMismatch("n", "a", "b"), SeverityResync},
		{"stale join", StaleJoin("leaf1", "n", 3, 40), SeverityResync},
		{"file io", FileIO("disk full", stderrors.New("ENOSPC")), SeverityFatal},
		{"corrupted log", CorruptedLog("bad serial", nil), SeverityFatal},
		{"plain error", stderrors.New("boom"), SeverityFatal},
		{"wrapped", fmt.Errorf("apply: %w", InvalidValue("empty")), SeverityRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SeverityOf(tt.err))
			assert.Equal(t, tt.want == SeverityFatal, IsFatal(tt.err))
		})
	}
}

func TestDDBError(t *testing.T) {
	cause := stderrors.New("EIO")
	err := FileIO("failed to append", cause)

	assert.Equal(t, "failed to append: EIO", err.Error())
	assert.True(t, stderrors.Is(err, cause))
	assert.True(t, IsDDBError(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsDDBError(cause))

	assert.Equal(t, ErrCodeMalformedLine, GetCode(MalformedLine("x", nil).WithDetail("reason", "verb")))
	assert.Equal(t, ErrCodeFileIO, GetCode(cause))
	assert.Equal(t, "resync", SeverityResync.String())
}
