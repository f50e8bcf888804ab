package web

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	ID          string
	State       string
	Endpoints   int
	Age         string
	Established string
}

func TestRenderDashboard(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "dashboard", map[string]any{
		"Instance":    "host-1",
		"Connections": 3,
		"Pending":     1,
		"Established": 1,
		"Total":       int64(7),
		"Timeouts":    int64(2),
		"Sessions":    []row{{ID: "s-1", State: "Established", Endpoints: 2, Age: "4s"}},
	})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "host-1")
	assert.Contains(t, out, "s-1")
	assert.Contains(t, out, "1 session<")
	assert.Contains(t, out, "<footer>")
}

func TestRenderUnknownFallsBackToBase(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, "nope", nil))
	assert.Contains(t, buf.String(), "Nothing to show.")
}
