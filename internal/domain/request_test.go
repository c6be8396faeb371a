package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetricRequest(t *testing.T) {
	req := ParseRequest("put sys.cpu.user 1459972680 2.5 host=web01")

	mr, ok := req.(MetricRequest)
	require.True(t, ok)
	assert.Equal(t, "sys.cpu.user", mr.MetricName)
	assert.Equal(t, "put sys.cpu.user 1459972680 2.5 host=web01", mr.Line())
}

func TestParseVersionRequest(t *testing.T) {
	for _, line := range []string{"version", "stats", "put"} {
		req := ParseRequest(line)

		_, ok := req.(VersionRequest)
		assert.True(t, ok, "line %q", line)
		assert.Equal(t, "version", req.Line())
	}
}
