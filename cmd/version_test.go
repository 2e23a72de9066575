package cmd

import (
	"bytes"
	"testing"

	"github.com/arcward/roomkeeper/roomkeeper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	origVersion := roomkeeper.Version
	origCommit := roomkeeper.CommitSHA
	origBuilt := roomkeeper.BuildTime
	t.Cleanup(
		func() {
			roomkeeper.Version = origVersion
			roomkeeper.CommitSHA = origCommit
			roomkeeper.BuildTime = origBuilt
		},
	)

	roomkeeper.Version = "1.2.3"
	roomkeeper.CommitSHA = "deadbeef"
	roomkeeper.BuildTime = "2026-01-02T03:04:05Z"

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, nil)

	require.NotEmpty(t, out.String())
	assert.Equal(
		t,
		"roomkeeper 1.2.3 (commit deadbeef, built 2026-01-02T03:04:05Z)\n",
		out.String(),
	)
}
