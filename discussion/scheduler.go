package discussion

import (
	"sync"
	"time"
)

// Scheduler serializes the three event classes that mutate the stores:
// local user actions, channel broadcasts, and timer expiry.
// Each event runs to completion before the next one starts.
// Post-run callbacks run outside the lock, after every event.
type Scheduler struct {
	stateLock sync.Mutex

	postRunCallbacks *CallbackList[func()]
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		postRunCallbacks: NewCallbackList[func()](),
	}
}

// Run must not be called from inside another `Run`.
func (self *Scheduler) Run(do func()) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		do()
	}()

	for _, postRunCallback := range self.postRunCallbacks.Get() {
		HandleError(postRunCallback)
	}
}

func (self *Scheduler) AddPostRunCallback(postRunCallback func()) func() {
	callbackId := self.postRunCallbacks.Add(postRunCallback)
	return func() {
		self.postRunCallbacks.Remove(callbackId)
	}
}

// AfterFunc runs `do` as a scheduled event after the timeout.
// The timer must be canceled from inside a scheduled event,
// which guarantees a canceled timer never runs `do`.
func (self *Scheduler) AfterFunc(timeout time.Duration, do func()) *ScheduledTimer {
	scheduledTimer := &ScheduledTimer{}
	scheduledTimer.timer = time.AfterFunc(timeout, func() {
		self.Run(func() {
			if scheduledTimer.canceled {
				return
			}
			scheduledTimer.fired = true
			do()
		})
	})
	return scheduledTimer
}

type ScheduledTimer struct {
	timer *time.Timer
	// these are guarded by the scheduler `stateLock`
	canceled bool
	fired    bool
}

// must be called from inside a scheduled event
func (self *ScheduledTimer) Cancel() {
	if self == nil {
		return
	}
	self.canceled = true
	self.timer.Stop()
}

// must be called from inside a scheduled event
func (self *ScheduledTimer) Active() bool {
	return self != nil && !self.canceled && !self.fired
}
