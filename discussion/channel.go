package discussion

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
)

// event names on the discussion channel
const (
	EventCommentsFetch    = "comments:fetch"
	EventCommentsSnapshot = "comments:snapshot"
	EventAnswersFetch     = "answers:fetch"
	EventAnswersSnapshot  = "answers:snapshot"

	EventCommentCreate = "comment:create"
	EventCommentUpdate = "comment:update"
	EventCommentDelete = "comment:delete"

	EventCommentCreated = "comment:created"
	EventAnswerCreated  = "answer:created"
	EventCommentUpdated = "comment:updated"
	EventCommentDeleted = "comment:deleted"
	EventCommentError   = "comment:error"
)

type EventHandlerFunction func(payload json.RawMessage)

type ConnectionStateFunction func(connected bool)

// ChannelAdapter is the bidirectional event channel consumed by the engine.
// Transport failures surface only as connection state changes.
type ChannelAdapter interface {
	Connect()
	Disconnect()
	IsConnected() bool
	// fire-and-forget. An error means the event was not queued.
	Emit(eventName string, payload any) error
	// returns a function that removes the handler
	On(eventName string, handler EventHandlerFunction) func()
	AddConnectionStateCallback(callback ConnectionStateFunction) func()
}

type FetchCommentsArgs struct {
	ForumId string `json:"forumId"`
}

type CommentsSnapshot struct {
	ForumId  string           `json:"forumId"`
	Comments []*CommentRecord `json:"comments"`
}

type FetchAnswersArgs struct {
	ForumId  string `json:"forumId"`
	ParentId string `json:"parentId"`
}

type AnswersSnapshot struct {
	ForumId  string           `json:"forumId"`
	ParentId string           `json:"parentId"`
	Answers  []*CommentRecord `json:"answers"`
}

type CreateCommentArgs struct {
	LocalId           Id        `json:"localId"`
	ForumId           string    `json:"forumId"`
	ParentId          *string   `json:"parentId"`
	AuthorId          string    `json:"authorId"`
	AuthorDisplayName string    `json:"authorDisplayName"`
	Body              string    `json:"body"`
	CreatedAt         time.Time `json:"createdAt"`
}

type UpdateCommentArgs struct {
	ForumId string `json:"forumId"`
	Id      string `json:"id"`
	Body    string `json:"body"`
}

type DeleteCommentArgs struct {
	ForumId string `json:"forumId"`
	Id      string `json:"id"`
}

type CommentDeleted struct {
	ForumId  string  `json:"forumId"`
	Id       string  `json:"id"`
	ParentId *string `json:"parentId"`
}

// server rejection of a mutation
type CommentError struct {
	LocalId string       `json:"localId,omitempty"`
	Id      string       `json:"id,omitempty"`
	Op      MutationKind `json:"op"`
	Message string       `json:"message"`
}

// ChannelSubscription is the reference counted registration of the engine's handlers
// on the shared channel. The first acquire registers the handlers and connects.
// The last release removes them and disconnects.
type ChannelSubscription struct {
	channel  ChannelAdapter
	handlers map[string]EventHandlerFunction

	stateLock sync.Mutex
	refCount  int
	removes   []func()
}

func NewChannelSubscription(channel ChannelAdapter, handlers map[string]EventHandlerFunction) *ChannelSubscription {
	return &ChannelSubscription{
		channel:  channel,
		handlers: handlers,
	}
}

// returns a release function. Calling it more than once has no effect.
func (self *ChannelSubscription) Acquire() func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.refCount += 1
	if self.refCount == 1 {
		for eventName, handler := range self.handlers {
			self.removes = append(self.removes, self.channel.On(eventName, handler))
		}
		glog.V(1).Infof("[sub]connect (%d handlers)\n", len(self.handlers))
		self.channel.Connect()
	}

	var releaseOnce sync.Once
	return func() {
		releaseOnce.Do(self.release)
	}
}

func (self *ChannelSubscription) release() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.refCount == 0 {
		return
	}
	self.refCount -= 1
	if self.refCount == 0 {
		for _, remove := range self.removes {
			remove()
		}
		self.removes = nil
		glog.V(1).Infof("[sub]disconnect\n")
		self.channel.Disconnect()
	}
}

func (self *ChannelSubscription) RefCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.refCount
}
