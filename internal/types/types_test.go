package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpisodeValidate(t *testing.T) {
	base := Episode{
		Task:      "fix flaky test",
		Type:      EpisodeBugfix,
		Outcome:   OutcomeSuccess,
		StartedAt: time.Now(),
	}
	base.EndedAt = base.StartedAt.Add(time.Minute)

	t.Run("valid episode", func(t *testing.T) {
		e := base
		require.NoError(t, e.Validate())
	})

	t.Run("missing task", func(t *testing.T) {
		e := base
		e.Task = ""
		assert.ErrorIs(t, e.Validate(), ErrInvalid)
	})

	t.Run("ended before started", func(t *testing.T) {
		e := base
		e.EndedAt = e.StartedAt.Add(-time.Minute)
		assert.ErrorIs(t, e.Validate(), ErrInvalid)
	})

	t.Run("entity in two disjoint lists", func(t *testing.T) {
		e := base
		id := NewID()
		e.EntitiesCreated = []ID{id}
		e.EntitiesDeleted = []ID{id}
		assert.ErrorIs(t, e.Validate(), ErrInvalid)
	})

	t.Run("invalid outcome", func(t *testing.T) {
		e := base
		e.Outcome = Outcome("bogus")
		assert.ErrorIs(t, e.Validate(), ErrInvalid)
	})
}

func TestEpisodeSetOutcomeMonotone(t *testing.T) {
	e := Episode{Outcome: OutcomeSuccess}
	err := e.SetOutcome(OutcomePending)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, OutcomeSuccess, e.Outcome)

	e2 := Episode{Outcome: OutcomePending}
	require.NoError(t, e2.SetOutcome(OutcomeFailure))
	assert.Equal(t, OutcomeFailure, e2.Outcome)
}

func TestCodeUnitValidate(t *testing.T) {
	u := CodeUnit{
		QualifiedName: "pkg::Foo::bar",
		UnitType:      UnitFunction,
		Status:        StatusLive,
	}
	require.NoError(t, u.Validate())

	u.QualifiedName = ""
	assert.ErrorIs(t, u.Validate(), ErrInvalid)
}

func TestDependencySelfLoop(t *testing.T) {
	id := NewID()
	d := Dependency{SourceID: id, TargetID: id, Type: DepCalls}
	assert.ErrorIs(t, d.Validate(), ErrInvalid)

	d.Type = DepRecurses
	require.NoError(t, d.Validate())
}

func TestPatternSuccessRate(t *testing.T) {
	p := Pattern{Type: PatternCode, Name: "x"}
	assert.InDelta(t, 0.5, p.SuccessRate(), 1e-9)

	p.SuccessCount = 9
	p.FailureCount = 1
	assert.InDelta(t, 10.0/12.0, p.SuccessRate(), 1e-9)
}

func TestPatternRecordApplicationMonotone(t *testing.T) {
	p := Pattern{}
	p.RecordApplication(true)
	p.RecordApplication(false)
	p.RecordApplication(true)
	assert.EqualValues(t, 2, p.SuccessCount)
	assert.EqualValues(t, 1, p.FailureCount)
}

func TestIDRoundTrip(t *testing.T) {
	id := NewID()
	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}
