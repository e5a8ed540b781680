package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCollectsAcrossCollectors(t *testing.T) {
	r := New()

	r.SubmissionsAdmitted.WithLabelValues("toml").Inc()
	r.AdmissionConflicts.WithLabelValues("project_busy").Inc()
	r.CancellationsHandled.WithLabelValues("cancelled").Inc()
	r.ActiveSubmissions.Set(1)
	r.PhaseDuration.WithLabelValues("build").Observe(0.5)
	r.PhaseVerdicts.WithLabelValues("build", "pass").Inc()

	families, err := r.Gatherer.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["orchestrator_submissions_admitted_total"])
	assert.True(t, names["orchestrator_active_submissions"])
	assert.True(t, names["orchestrator_phase_duration_seconds"])
}
