package discussion

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSchedulerPostRun(t *testing.T) {
	scheduler := NewScheduler()

	order := []string{}
	remove := scheduler.AddPostRunCallback(func() {
		order = append(order, "post")
	})

	scheduler.Run(func() {
		order = append(order, "run")
	})
	assert.Equal(t, order, []string{"run", "post"})

	remove()
	scheduler.Run(func() {
		order = append(order, "run")
	})
	assert.Equal(t, order, []string{"run", "post", "run"})
}

func TestSchedulerAfterFunc(t *testing.T) {
	scheduler := NewScheduler()

	fired := make(chan struct{}, 1)
	var timer *ScheduledTimer
	scheduler.Run(func() {
		timer = scheduler.AfterFunc(10*time.Millisecond, func() {
			fired <- struct{}{}
		})
		assert.Equal(t, timer.Active(), true)
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	scheduler.Run(func() {
		assert.Equal(t, timer.Active(), false)
	})
}

func TestSchedulerAfterFuncCancel(t *testing.T) {
	scheduler := NewScheduler()

	fired := make(chan struct{}, 1)
	scheduler.Run(func() {
		timer := scheduler.AfterFunc(10*time.Millisecond, func() {
			fired <- struct{}{}
		})
		// hold the lock past the timeout. The canceled timer must not run.
		time.Sleep(50 * time.Millisecond)
		timer.Cancel()
		assert.Equal(t, timer.Active(), false)
	})

	select {
	case <-fired:
		t.Fatal("canceled timer fired")
	case <-time.After(100 * time.Millisecond):
	}

	// nil timers are inert
	var timer *ScheduledTimer
	timer.Cancel()
	assert.Equal(t, timer.Active(), false)
}
