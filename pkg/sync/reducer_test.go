// ABOUTME: Reducer-level tests for the recalibration engine
// ABOUTME: Drives transitions with actor.Step and fixed stamps
package sync

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/resonate-clock/internal/actor"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func stampAt(wall, uptime time.Duration) Stamp {
	return Stamp{Wall: t0.Add(wall), Uptime: time.Hour + uptime}
}

func step(s State, in actor.Input) (State, []actor.Effect) {
	return actor.Step(s, in, reduce)
}

func effectsOf[T actor.Effect](effects []actor.Effect) []T {
	var out []T
	for _, e := range effects {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func eventKinds(effects []actor.Effect) []EventKind {
	var out []EventKind
	for _, e := range effectsOf[eventEffect](effects) {
		out = append(out, e.event.Kind)
	}
	return out
}

// calibrated returns a state that measured offset at stamp now.
func calibrated(t *testing.T, offset time.Duration, now Stamp) State {
	t.Helper()
	s, _ := step(State{}, activateInput{now: now})
	s, _ = step(s, recalibrateInput{})
	s, _ = step(s, replyInput{gen: s.queryGen, peerTime: now.Wall.Add(offset), now: now})
	require.Equal(t, offset, s.TimeDifference)
	return s
}

func TestEstimateOffsetScenario(t *testing.T) {
	t.Parallel()

	// Query sent at T, reply received at T+40ms carrying T+5020ms.
	got := EstimateOffset(40*time.Millisecond, t0.Add(5020*time.Millisecond), t0.Add(40*time.Millisecond))
	require.Equal(t, 5000*time.Millisecond, got)

	require.Equal(t, EstimateOffset(0, t0, t0), EstimateOffset(-time.Second, t0, t0))
}

func TestFireMeasurementSingleInFlight(t *testing.T) {
	t.Parallel()

	s, effects := step(State{TargetPeer: "reference@host"}, recalibrateInput{})
	require.True(t, s.AwaitingReply)
	sends := effectsOf[sendQueryEffect](effects)
	require.Len(t, sends, 1)
	require.Equal(t, PeerID("reference@host"), sends[0].target)

	s2, effects := step(s, recalibrateInput{})
	require.Empty(t, effects)
	require.Equal(t, s, s2)
}

func TestQueryReplySetsCalibration(t *testing.T) {
	t.Parallel()

	s, _ := step(State{}, recalibrateInput{})
	now := stampAt(40*time.Millisecond, 40*time.Millisecond)
	s, effects := step(s, replyInput{
		gen:      s.queryGen,
		rtt:      40 * time.Millisecond,
		peerTime: t0.Add(5020 * time.Millisecond),
		now:      now,
	})

	require.False(t, s.AwaitingReply)
	require.Equal(t, 5000*time.Millisecond, s.TimeDifference)
	require.Equal(t, At(now.Uptime), s.LastCalibration)
	require.Equal(t, 40*time.Millisecond, s.LastRTT)

	notes := effectsOf[notifyEffect](effects)
	require.Len(t, notes, 1)
	require.Equal(t, 5000*time.Millisecond, notes[0].offset)
}

func TestDirectReplyWithoutQuery(t *testing.T) {
	t.Parallel()

	now := stampAt(0, 0)
	s, effects := step(State{}, replyInput{peerTime: t0.Add(time.Second), now: now})
	require.False(t, s.AwaitingReply)
	require.Equal(t, time.Second, s.TimeDifference)
	require.Equal(t, At(now.Uptime), s.LastCalibration)
	require.Len(t, effectsOf[notifyEffect](effects), 1)
}

func TestQueryTimeoutOnlyClearsAwaiting(t *testing.T) {
	t.Parallel()

	s := calibrated(t, 3*time.Second, stampAt(0, 0))
	s, _ = step(s, recalibrateInput{})
	require.True(t, s.AwaitingReply)

	s, effects := step(s, timeoutInput{gen: s.queryGen})
	require.False(t, s.AwaitingReply)
	require.Equal(t, 3*time.Second, s.TimeDifference)
	require.Equal(t, At(time.Hour), s.LastCalibration)
	require.Empty(t, effectsOf[notifyEffect](effects))
	require.Equal(t, []EventKind{EventTimeout}, eventKinds(effects))
}

func TestStaleReplyIgnored(t *testing.T) {
	t.Parallel()

	s, _ := step(State{}, recalibrateInput{})
	stale := s.queryGen
	s, _ = step(s, disconnectedInput{err: errors.New("eof")})
	require.False(t, s.AwaitingReply)

	s2, effects := step(s, replyInput{gen: stale, peerTime: t0.Add(time.Minute), now: stampAt(0, 0)})
	require.Equal(t, s, s2)
	require.True(t, s2.LastCalibration.IsNever())
	require.Equal(t, []EventKind{EventStaleReply}, eventKinds(effects))

	s3, effects := step(s, timeoutInput{gen: stale})
	require.Equal(t, s, s3)
	require.Empty(t, effects)
}

func TestPeerChangeResetsCalibration(t *testing.T) {
	t.Parallel()

	s, _ := step(State{}, connectedInput{peer: []byte("A"), now: stampAt(0, 0)})
	require.Equal(t, []byte("A"), s.BoundPeer)
	s.TimeDifference = 2 * time.Second
	s.LastCalibration = At(time.Hour)
	s, _ = step(s, recalibrateInput{})

	s, effects := step(s, connectedInput{peer: []byte("B"), now: stampAt(time.Second, time.Second)})
	require.Zero(t, s.TimeDifference)
	require.True(t, s.LastCalibration.IsNever())
	require.False(t, s.AwaitingReply)
	require.Equal(t, []byte("B"), s.BoundPeer)
	require.Empty(t, effectsOf[notifyEffect](effects))
	require.Equal(t, []EventKind{EventPeerReset}, eventKinds(effects))
}

func TestSamePeerPreservesCalibration(t *testing.T) {
	t.Parallel()

	s := calibrated(t, 2*time.Second, stampAt(0, 0))
	s, _ = step(s, connectedInput{peer: []byte("A"), now: stampAt(0, 0)})
	s, _ = step(s, disconnectedInput{})

	s, effects := step(s, connectedInput{peer: []byte("A"), now: stampAt(time.Minute, time.Minute)})
	require.Equal(t, 2*time.Second, s.TimeDifference)
	require.Equal(t, At(time.Hour), s.LastCalibration)
	require.Empty(t, effects)

	s, effects = step(s, connectedInput{peer: nil, now: stampAt(time.Minute, time.Minute)})
	require.Equal(t, []byte("A"), s.BoundPeer)
	require.Empty(t, effects)
}

func TestClockJumpAdjustsOffset(t *testing.T) {
	t.Parallel()

	s := calibrated(t, 5*time.Second, stampAt(0, 0))

	// Wall moved 7200s while only 1s of uptime elapsed.
	s, effects := step(s, clockChangedInput{now: stampAt(7200*time.Second, time.Second)})
	require.Equal(t, 5*time.Second+7199*time.Second, s.TimeDifference)
	require.Equal(t, stampAt(7200*time.Second, time.Second), s.Anchor)

	notes := effectsOf[notifyEffect](effects)
	require.Len(t, notes, 1)
	require.Equal(t, s.TimeDifference, notes[0].offset)

	// No further movement: a second notification changes nothing.
	s2, _ := step(s, clockChangedInput{now: stampAt(7201*time.Second, 2*time.Second)})
	require.Equal(t, s.TimeDifference, s2.TimeDifference)
}

func TestClockChangeBeforeCalibrationIgnored(t *testing.T) {
	t.Parallel()

	s, _ := step(State{}, activateInput{now: stampAt(0, 0)})
	s2, effects := step(s, clockChangedInput{now: stampAt(time.Hour, time.Second)})
	require.Equal(t, s, s2)
	require.Empty(t, effectsOf[notifyEffect](effects))
}

func TestClockJump(t *testing.T) {
	t.Parallel()

	require.Equal(t, 7199*time.Second, ClockJump(stampAt(0, 0), stampAt(7200*time.Second, time.Second)))
	require.Equal(t, -time.Minute, ClockJump(stampAt(0, 0), stampAt(0, time.Minute)))
}

func TestAuthenticationArmsImmediateFirstFire(t *testing.T) {
	t.Parallel()

	s := State{Interval: time.Hour}
	s, effects := step(s, setIntervalInput{interval: time.Hour, now: stampAt(0, 0)})
	require.Empty(t, effects)
	require.Equal(t, Disabled, s.Scheduler())

	s, effects = step(s, authenticatedInput{now: stampAt(0, 0)})
	arms := effectsOf[armTimerEffect](effects)
	require.Len(t, arms, 1)
	require.Zero(t, arms[0].after)
	require.Equal(t, Armed, s.Scheduler())
}

func TestAuthenticationArmsFromLastCalibration(t *testing.T) {
	t.Parallel()

	s := calibrated(t, time.Second, stampAt(0, 0))
	s.Interval = time.Hour

	s, effects := step(s, authenticatedInput{now: stampAt(10*time.Minute, 10*time.Minute)})
	arms := effectsOf[armTimerEffect](effects)
	require.Len(t, arms, 1)
	require.Equal(t, 50*time.Minute, arms[0].after)
	require.Equal(t, At(2*time.Hour), s.NextFire)
}

func TestTimerFireSendsQueryAndRearms(t *testing.T) {
	t.Parallel()

	s := State{Interval: time.Hour}
	s, effects := step(s, authenticatedInput{now: stampAt(0, 0)})
	gen := effectsOf[armTimerEffect](effects)[0].gen

	s, effects = step(s, timerFiredInput{gen: gen, now: stampAt(0, 0)})
	require.Len(t, effectsOf[sendQueryEffect](effects), 1)
	arms := effectsOf[armTimerEffect](effects)
	require.Len(t, arms, 1)
	require.Equal(t, time.Hour, arms[0].after)
	require.Equal(t, Pending, s.Scheduler())

	// Fire while the query is outstanding: skip, no second query.
	s, effects = step(s, timerFiredInput{gen: arms[0].gen, now: stampAt(time.Hour, time.Hour)})
	require.Empty(t, effectsOf[sendQueryEffect](effects))
	require.Contains(t, eventKinds(effects), EventCycleSkipped)
	require.True(t, s.AwaitingReply)

	// Old generation fires are ignored.
	s2, effects := step(s, timerFiredInput{gen: gen, now: stampAt(time.Hour, time.Hour)})
	require.Equal(t, s, s2)
	require.Empty(t, effects)
}

func TestSuccessReanchorsSchedule(t *testing.T) {
	t.Parallel()

	s := State{Interval: time.Hour}
	s, _ = step(s, authenticatedInput{now: stampAt(0, 0)})
	s, _ = step(s, timerFiredInput{gen: s.timerGen, now: stampAt(0, 0)})

	now := stampAt(30*time.Second, 30*time.Second)
	s, effects := step(s, replyInput{gen: s.queryGen, peerTime: now.Wall, now: now})
	arms := effectsOf[armTimerEffect](effects)
	require.Len(t, arms, 1)
	require.Equal(t, time.Hour, arms[0].after)
	require.Equal(t, At(now.Uptime+time.Hour), s.NextFire)
	require.Equal(t, Armed, s.Scheduler())
}

func TestDisconnectStopsTimerKeepsCalibration(t *testing.T) {
	t.Parallel()

	s := calibrated(t, 4*time.Second, stampAt(0, 0))
	s.Interval = time.Hour
	s, _ = step(s, authenticatedInput{now: stampAt(0, 0)})
	s, _ = step(s, recalibrateInput{})

	s, effects := step(s, disconnectedInput{})
	require.Len(t, effectsOf[stopTimerEffect](effects), 1)
	require.False(t, s.AwaitingReply)
	require.False(t, s.Authenticated)
	require.Equal(t, Disabled, s.Scheduler())
	require.Equal(t, 4*time.Second, s.TimeDifference)
	require.Equal(t, At(time.Hour), s.LastCalibration)
}

func TestNonPositiveIntervalDisables(t *testing.T) {
	t.Parallel()

	s := State{Interval: time.Hour}
	s, _ = step(s, authenticatedInput{now: stampAt(0, 0)})
	require.Equal(t, Armed, s.Scheduler())

	s, effects := step(s, setIntervalInput{interval: 0, now: stampAt(0, 0)})
	require.Len(t, effectsOf[stopTimerEffect](effects), 1)
	require.Equal(t, Disabled, s.Scheduler())

	s, effects = step(s, setIntervalInput{interval: -time.Second, now: stampAt(0, 0)})
	require.Empty(t, effects)

	s, effects = step(s, authenticatedInput{now: stampAt(0, 0)})
	require.Empty(t, effects)
	require.Equal(t, Disabled, s.Scheduler())
}

func TestIntervalChangeRecomputesNextFire(t *testing.T) {
	t.Parallel()

	s := calibrated(t, 0, stampAt(0, 0))
	s.Interval = time.Hour
	s, _ = step(s, authenticatedInput{now: stampAt(time.Minute, time.Minute)})
	require.Equal(t, At(2*time.Hour), s.NextFire)

	s, effects := step(s, setIntervalInput{interval: 10 * time.Minute, now: stampAt(time.Minute, time.Minute)})
	arms := effectsOf[armTimerEffect](effects)
	require.Len(t, arms, 1)
	require.Equal(t, 9*time.Minute, arms[0].after)

	// Already overdue: fire right away.
	s, effects = step(s, setIntervalInput{interval: 30 * time.Second, now: stampAt(time.Minute, time.Minute)})
	require.Zero(t, effectsOf[armTimerEffect](effects)[0].after)
	require.Equal(t, At(time.Hour+30*time.Second), s.NextFire)
}

func TestInstant(t *testing.T) {
	t.Parallel()

	var never Instant
	require.True(t, never.IsNever())
	require.Equal(t, "never", never.String())

	zero := At(0)
	require.False(t, zero.IsNever())
	require.NotEqual(t, never, zero)
}
