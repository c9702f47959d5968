package discussion

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// makes a copy of the list on update
type CallbackList[T any] struct {
	stateLock      sync.Mutex
	nextCallbackId int
	callbacks      map[int]T
	// ordered snapshot, replaced on each update
	orderedCallbacks []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks:        map[int]T{},
		orderedCallbacks: []T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.orderedCallbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbacks[callbackId] = callback
	self.updateOrdered()
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	self.updateOrdered()
}

// must be called with `stateLock`
func (self *CallbackList[T]) updateOrdered() {
	callbackIds := maps.Keys(self.callbacks)
	slices.Sort(callbackIds)
	orderedCallbacks := make([]T, 0, len(callbackIds))
	for _, callbackId := range callbackIds {
		orderedCallbacks = append(orderedCallbacks, self.callbacks[callbackId])
	}
	self.orderedCallbacks = orderedCallbacks
}

// a monitor hands out a channel that is closed on the next `NotifyAll`
type Monitor struct {
	stateLock sync.Mutex
	update    chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() chan struct{} {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	// close the update channel and create a new one
	close(self.update)
	self.update = make(chan struct{})
}

func IsDoneError(r any) bool {
	isDoneMessage := func(message string) bool {
		switch message {
		case "Done":
			return true
		default:
			return false
		}
	}
	switch v := r.(type) {
	case error:
		return isDoneMessage(v.Error())
	case string:
		return isDoneMessage(v)
	default:
		return false
	}
}

func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			if IsDoneError(r) {
				// the context was canceled and raised. this is a standard pattern, do not log
			} else {
				glog.Warningf("Unexpected error: %s\n", ErrorJson(r, debug.Stack()))
			}
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		stackLines = append(stackLines, strings.TrimSpace(line))
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}

func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, returnErr error) {
	trace(tag, func() string {
		result, returnErr = do()
		if returnErr != nil {
			return fmt.Sprintf(" err = %s", returnErr)
		}
		return fmt.Sprintf(" = %v", result)
	})
	return
}

func trace(tag string, do func() string) {
	start := time.Now()
	glog.Infof("[%-8s]%s (%d)\n", "start", tag, start.UnixMilli())
	doTag := do()
	end := time.Now()
	millis := float32(end.Sub(start)) / float32(time.Millisecond)
	glog.Infof("[%-8s]%s (%.2fms) (%d)%s\n", "end", tag, millis, end.UnixMilli(), doTag)
}
