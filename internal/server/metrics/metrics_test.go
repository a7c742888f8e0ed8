package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.BranchLoaded()
	m.AtomsAdded(3)
	m.AtomsRejected(1)
	m.AtomsRemoved(0)
	m.CommitCreated(CommitUnload)
	m.ObserveCommand("add-atoms", time.Now())
	m.CommandLimited("add-atoms")
	m.CommandLimited("add-atoms")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loadedBranches))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.atoms.WithLabelValues("added")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.atoms.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commits.WithLabelValues(CommitUnload)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.commandDuration))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.limitedCommands.WithLabelValues("add-atoms")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.BranchLoaded()
		m.AtomsAdded(1)
		m.CommitCreated(CommitExplicit)
		m.ObserveCommand("commit", time.Now())
		m.ConnectionDropped()
		m.CommandLimited("commit")
	})
}
