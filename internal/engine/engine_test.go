package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScheduleOrdersByTickThenInsertion(t *testing.T) {
	e := New(nil)
	var order []string

	a := e.CreateEvent(func(now Tick, payload any) { order = append(order, "a:"+payload.(string)) }, "a")
	b := e.CreateEvent(func(now Tick, payload any) { order = append(order, "b:"+payload.(string)) }, "b")

	e.Schedule(a, 100, "first")
	e.Schedule(b, 100, "second")
	e.Schedule(a, 50, "earliest")

	e.Run()

	require.Equal(t, []string{"a:earliest", "a:first", "b:second"}, order)
}

func TestScheduleBeforeNowPanics(t *testing.T) {
	e := New(nil)
	id := e.CreateEvent(func(Tick, any) {}, "noop")
	e.Schedule(id, 10, nil)
	e.Run()
	require.Equal(t, Tick(10), e.Now())
	require.Panics(t, func() { e.Schedule(id, 0, nil) })
}

func TestDescheduleSingleVsAll(t *testing.T) {
	e := New(nil)
	fired := 0
	id := e.CreateEvent(func(Tick, any) { fired++ }, "count")

	e.Schedule(id, 10, nil)
	e.Schedule(id, 20, nil)
	e.Schedule(id, 30, nil)
	require.True(t, e.IsScheduled(id))

	e.Deschedule(id, false)
	e.Run()
	require.Equal(t, 2, fired)

	fired = 0
	e.Schedule(id, 40, nil)
	e.Schedule(id, 50, nil)
	e.Deschedule(id, true)
	require.False(t, e.IsScheduled(id))
	e.Run()
	require.Equal(t, 0, fired)
}

func TestDescheduleUnknownIsNoOp(t *testing.T) {
	e := New(nil)
	require.NotPanics(t, func() { e.Deschedule(EventID(999), true) })
}

func TestCallbacksCanScheduleMore(t *testing.T) {
	e := New(nil)
	var ticks []Tick
	var id EventID
	id = e.CreateEvent(func(now Tick, payload any) {
		ticks = append(ticks, now)
		if now < 30 {
			e.ScheduleRel(id, 10, nil)
		}
	}, "chain")
	e.Schedule(id, 10, nil)
	e.Run()
	require.Equal(t, []Tick{10, 20, 30}, ticks)
}
