package core

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func groupFor(alert *RawAlert) *AggregatedAlertGroup {
	return NewAlertGroup(BuildGroupKey(nil, alert))
}

func TestAlertGroup_AbsorbFirstMember(t *testing.T) {
	first := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	alert := dedupAlert("10.0.0.1", first)
	g := groupFor(alert)

	require.True(t, g.Absorb(alert))
	assert.Equal(t, 1, g.CountAlerts)
	assert.Equal(t, 1, g.UniqueEntities)
	assert.Equal(t, alert.Severity, g.Severity)
	assert.Equal(t, AlertStatusOpen, g.Status)
	assert.Equal(t, alert.TsFirst, g.TsFirst)
	assert.Equal(t, alert.TsLast, g.TsLast)
}

// Absorbing the same member again with an unchanged status is a no-op, no
// matter how many times it is redelivered.
func TestAlertGroup_AbsorbIsIdempotent(t *testing.T) {
	alert := dedupAlert("10.0.0.1", time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	g := groupFor(alert)

	require.True(t, g.Absorb(alert))
	for i := 0; i < 5; i++ {
		assert.False(t, g.Absorb(alert))
	}
	assert.Equal(t, 1, g.CountAlerts)
	assert.Equal(t, 1, g.UniqueEntities)
}

func TestAlertGroup_MemberStatusChangeUpdatesGroup(t *testing.T) {
	alert := dedupAlert("10.0.0.1", time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	g := groupFor(alert)
	require.True(t, g.Absorb(alert))

	closed := *alert
	closed.Status = AlertStatusClosed
	assert.True(t, g.Absorb(&closed))
	assert.Equal(t, AlertStatusClosed, g.Status)
	assert.Equal(t, 1, g.CountAlerts, "a status change must not count as a new member")

	// The member can flip the group back open.
	reopened := *alert
	reopened.Status = AlertStatusOpen
	assert.True(t, g.Absorb(&reopened))
	assert.Equal(t, AlertStatusOpen, g.Status)
}

// The group stays open while any member is open.
func TestAlertGroup_OpenWhileAnyMemberOpen(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	a := dedupAlert("10.0.0.1", base)
	b := dedupAlert("10.0.0.1", base.Add(time.Minute))

	g := groupFor(a)
	require.True(t, g.Absorb(a))
	require.True(t, g.Absorb(b))

	aClosed := *a
	aClosed.Status = AlertStatusClosed
	g.Absorb(&aClosed)
	assert.Equal(t, AlertStatusOpen, g.Status, "one member still open")

	bClosed := *b
	bClosed.Status = AlertStatusClosed
	g.Absorb(&bClosed)
	assert.Equal(t, AlertStatusClosed, g.Status)
}

func TestAlertGroup_SeverityIsMaxOverMembers(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	low := dedupAlert("10.0.0.1", base)
	low.Severity = SeverityLow
	critical := dedupAlert("10.0.0.1", base.Add(time.Minute))
	critical.Severity = SeverityCritical

	g := groupFor(low)
	g.Absorb(low)
	g.Absorb(critical)
	assert.Equal(t, SeverityCritical, g.Severity)
}

func TestAlertGroup_TimeBoundsSpanMembers(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	late := dedupAlert("10.0.0.1", base.Add(time.Hour))
	early := dedupAlert("10.0.0.1", base)

	g := groupFor(late)
	g.Absorb(late)
	g.Absorb(early)
	assert.Equal(t, early.TsFirst, g.TsFirst)
	assert.Equal(t, late.TsLast, g.TsLast)
}

func TestAlertGroup_UniqueEntitiesCounted(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	g := NewAlertGroup(GroupKey{RuleID: "r1", Key: "rule_id=r1"})

	for i := 0; i < 3; i++ {
		g.Absorb(dedupAlert("10.0.0.1", base.Add(time.Duration(i)*time.Minute)))
	}
	g.Absorb(dedupAlert("10.0.0.2", base))

	assert.Equal(t, 4, g.CountAlerts)
	assert.Equal(t, 2, g.UniqueEntities)
}

func TestAlertGroup_SamplesCapped(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	g := NewAlertGroup(GroupKey{RuleID: "r1", Key: "rule_id=r1"})

	for i := 0; i < MaxGroupSamples+3; i++ {
		g.Absorb(dedupAlert(fmt.Sprintf("10.0.0.%d", i), base.Add(time.Duration(i)*time.Minute)))
	}
	assert.Len(t, g.Samples, MaxGroupSamples)
}

func TestAlertGroup_RowSnapshotsState(t *testing.T) {
	alert := dedupAlert("10.0.0.1", time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	g := groupFor(alert)
	g.Absorb(alert)

	row := g.Row()
	assert.NotEmpty(t, row.VersionID)
	assert.Equal(t, g.GroupKey.String(), row.GroupKey)
	assert.Equal(t, g.CountAlerts, row.CountAlerts)
	assert.Equal(t, g.Status, row.Status)

	// Every snapshot is a distinct version.
	assert.NotEqual(t, row.VersionID, g.Row().VersionID)
}
