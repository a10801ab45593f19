package metrics

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	m := New()
	m.TasksSubmitted.WithLabelValues("critical").Inc()
	m.QueueDepth.Set(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksSubmitted.WithLabelValues("critical")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth))
}

func TestWriteText(t *testing.T) {
	m := New()
	m.DecisionsRouted.WithLabelValues("auto").Inc()

	var buf bytes.Buffer
	require.NoError(t, m.WriteText(&buf))
	assert.True(t, strings.Contains(buf.String(), "cadence_decisions_routed_total"))
}

func TestNew_Independent(t *testing.T) {
	a, b := New(), New()
	a.Running.Set(2)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Running))
}
