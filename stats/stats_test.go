package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestPrometheusSinkRegistersEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)

	sink.Register(EventExecutionCompleted, "send-email")
	sink.Register(EventExecutionCompleted, "send-email")
	sink.RegisterUnexpectedError()

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestEventStringIsStable(t *testing.T) {
	require.Equal(t, "execution_failed", EventExecutionFailed.String())
	require.Equal(t, "unknown_event", Event(999).String())
}
