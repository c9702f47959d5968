package discussion

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

type ViewFunction func(view *View)

func DefaultDiscussionClientSettings() *DiscussionClientSettings {
	return &DiscussionClientSettings{
		CommentStoreSettings:        DefaultCommentStoreSettings(),
		ThreadStoreSettings:         DefaultThreadStoreSettings(),
		MutationCoordinatorSettings: DefaultMutationCoordinatorSettings(),
		FetchAnswersOnOpen:          true,
	}
}

type DiscussionClientSettings struct {
	CommentStoreSettings        *CommentStoreSettings
	ThreadStoreSettings         *ThreadStoreSettings
	MutationCoordinatorSettings *MutationCoordinatorSettings
	// also request the per-thread answer snapshot when a thread opens.
	// The forum-wide snapshot is always requested.
	FetchAnswersOnOpen bool
}

// DiscussionClient wires the stores, the mutation coordinator and the view projector
// to a shared channel. Every store mutation runs as a scheduled event.
// View callbacks run after each event with the views that changed.
type DiscussionClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *DiscussionClientSettings

	channel  ChannelAdapter
	identity IdentityProvider

	scheduler    *Scheduler
	comments     *CommentStore
	threads      *ThreadStore
	mutations    *MutationCoordinator
	subscription *ChannelSubscription

	// these are guarded by the scheduler
	forumWatchCounts map[string]int
	viewer           ThreadViewer
	viewerForumId    string
	forumViews       map[string]*View

	viewCallbacks *CallbackList[ViewFunction]

	removeConnectionStateCallback func()
	removePostRunCallback         func()
}

func NewDiscussionClientWithDefaults(ctx context.Context, channel ChannelAdapter, identity IdentityProvider) *DiscussionClient {
	return NewDiscussionClient(ctx, channel, identity, DefaultDiscussionClientSettings())
}

func NewDiscussionClient(
	ctx context.Context,
	channel ChannelAdapter,
	identity IdentityProvider,
	settings *DiscussionClientSettings,
) *DiscussionClient {
	cancelCtx, cancel := context.WithCancel(ctx)

	scheduler := NewScheduler()
	threads := NewThreadStore(scheduler, identity, settings.ThreadStoreSettings)
	comments := NewCommentStore(identity, threads, settings.CommentStoreSettings)
	mutations := NewMutationCoordinator(
		scheduler,
		comments,
		threads,
		channel,
		identity,
		settings.MutationCoordinatorSettings,
	)

	discussionClient := &DiscussionClient{
		ctx:              cancelCtx,
		cancel:           cancel,
		settings:         settings,
		channel:          channel,
		identity:         identity,
		scheduler:        scheduler,
		comments:         comments,
		threads:          threads,
		mutations:        mutations,
		forumWatchCounts: map[string]int{},
		viewer: ThreadViewer{
			State: ThreadViewerClosed,
		},
		forumViews:    map[string]*View{},
		viewCallbacks: NewCallbackList[ViewFunction](),
	}

	discussionClient.subscription = NewChannelSubscription(channel, map[string]EventHandlerFunction{
		EventCommentsSnapshot: discussionClient.onCommentsSnapshot,
		EventAnswersSnapshot:  discussionClient.onAnswersSnapshot,
		EventCommentCreated:   discussionClient.onCommentRecord,
		EventAnswerCreated:    discussionClient.onCommentRecord,
		EventCommentUpdated:   discussionClient.onCommentRecord,
		EventCommentDeleted:   discussionClient.onCommentDeleted,
		EventCommentError:     discussionClient.onCommentError,
	})
	discussionClient.removeConnectionStateCallback = channel.AddConnectionStateCallback(
		discussionClient.onConnectionState,
	)
	discussionClient.removePostRunCallback = scheduler.AddPostRunCallback(discussionClient.notifyViews)

	return discussionClient
}

func (self *DiscussionClient) Scheduler() *Scheduler {
	return self.scheduler
}

func (self *DiscussionClient) AddViewCallback(viewCallback ViewFunction) func() {
	callbackId := self.viewCallbacks.Add(viewCallback)
	return func() {
		self.viewCallbacks.Remove(callbackId)
	}
}

func (self *DiscussionClient) AddMutationEventCallback(mutationEventCallback MutationEventFunction) func() {
	return self.mutations.AddMutationEventCallback(mutationEventCallback)
}

// WatchForum subscribes to the forum's broadcasts and requests its snapshot.
// The returned function releases the watch. Calling it more than once has no effect.
func (self *DiscussionClient) WatchForum(forumId string) func() {
	release := self.subscription.Acquire()

	self.scheduler.Run(func() {
		self.forumWatchCounts[forumId] += 1
		if self.forumWatchCounts[forumId] == 1 {
			glog.V(1).Infof("[client]watch %s\n", forumId)
			if self.channel.IsConnected() {
				self.fetchComments(forumId)
			}
		}
	})

	return func() {
		released := false
		self.scheduler.Run(func() {
			if released {
				return
			}
			released = true
			self.unwatch(forumId)
		})
		release()
	}
}

// must be called inside a scheduled event
func (self *DiscussionClient) unwatch(forumId string) {
	count, ok := self.forumWatchCounts[forumId]
	if !ok {
		return
	}
	if 1 < count {
		self.forumWatchCounts[forumId] = count - 1
		return
	}
	delete(self.forumWatchCounts, forumId)
	delete(self.forumViews, forumId)
	if self.viewerForumId == forumId && !self.viewer.IsClosed() {
		self.threads.Close(self.viewer.ParentId)
		self.viewer.Dismiss()
		self.viewerForumId = ""
	}
	glog.V(1).Infof("[client]unwatch %s\n", forumId)
}

// must be called inside a scheduled event
func (self *DiscussionClient) fetchComments(forumId string) error {
	err := self.channel.Emit(EventCommentsFetch, &FetchCommentsArgs{
		ForumId: forumId,
	})
	if err != nil {
		glog.Infof("[client]fetch %s error = %s\n", forumId, err)
	}
	return err
}

// OpenThread shows the thread of a confirmed top-level comment. Any other open thread is closed.
// The thread loads from the forum-wide snapshot, optionally also from the per-thread snapshot.
func (self *DiscussionClient) OpenThread(parentId string) (returnErr error) {
	self.scheduler.Run(func() {
		parent := self.comments.GetById(parentId)
		if parent == nil || parent.Deleting {
			returnErr = fmt.Errorf("%w: %s", ErrCommentNotFound, parentId)
			return
		}

		if !self.viewer.IsClosed() && self.viewer.ParentId != parentId {
			self.threads.Close(self.viewer.ParentId)
		}
		self.viewer.Open(parentId)
		self.viewerForumId = parent.ForumId
		self.threads.Open(parentId, parent.ForumId)

		if err := self.fetchComments(parent.ForumId); err != nil {
			self.threads.FailLoad(parentId, fmt.Errorf("%w: %s", ErrChannelUnavailable, err))
			return
		}
		if self.settings.FetchAnswersOnOpen {
			self.fetchAnswers(parent.ForumId, parentId)
		}
	})
	return
}

// must be called inside a scheduled event
func (self *DiscussionClient) fetchAnswers(forumId string, parentId string) {
	err := self.channel.Emit(EventAnswersFetch, &FetchAnswersArgs{
		ForumId:  forumId,
		ParentId: parentId,
	})
	if err != nil {
		glog.Infof("[client]fetch answers %s error = %s\n", parentId, err)
	}
}

// CloseThread dismisses the open thread. In-flight mutations in the thread still resolve.
func (self *DiscussionClient) CloseThread() {
	self.scheduler.Run(func() {
		if self.viewer.IsClosed() {
			return
		}
		self.threads.Close(self.viewer.ParentId)
		self.viewer.Dismiss()
		self.viewerForumId = ""
	})
}

func (self *DiscussionClient) ThreadViewer() (viewer ThreadViewer) {
	self.scheduler.Run(func() {
		viewer = self.viewer
	})
	return
}

// View projects the current state of a forum.
func (self *DiscussionClient) View(forumId string) (view *View) {
	self.scheduler.Run(func() {
		view = self.project(forumId)
	})
	return
}

// must be called inside a scheduled event
func (self *DiscussionClient) project(forumId string) *View {
	var thread *Thread
	if !self.viewer.IsClosed() && self.viewerForumId == forumId {
		if parent := self.comments.GetById(self.viewer.ParentId); parent != nil {
			thread = self.threads.Thread(*parent)
		}
	}
	return Project(forumId, self.comments.Snapshot(forumId), thread, self.viewer, self.threads.AnswerOrder())
}

// runs after each scheduled event, outside the lock
func (self *DiscussionClient) notifyViews() {
	select {
	case <-self.ctx.Done():
		return
	default:
	}

	viewCallbacks := self.viewCallbacks.Get()

	var changedViews []*View
	func() {
		self.scheduler.stateLock.Lock()
		defer self.scheduler.stateLock.Unlock()

		if !self.viewer.IsClosed() {
			_, loadState, _ := self.threads.Snapshot(self.viewer.ParentId)
			self.viewer.Sync(loadState)
		}

		forumIds := maps.Keys(self.forumWatchCounts)
		slices.Sort(forumIds)
		for _, forumId := range forumIds {
			view := self.project(forumId)
			if prevView, ok := self.forumViews[forumId]; ok && reflect.DeepEqual(prevView, view) {
				continue
			}
			self.forumViews[forumId] = view
			changedViews = append(changedViews, view)
		}
	}()

	for _, view := range changedViews {
		glog.V(2).Infof("[client]view %s (%d comments)\n", view.ForumId, len(view.Feed))
		for _, viewCallback := range viewCallbacks {
			HandleError(func() {
				viewCallback(view)
			})
		}
	}
}

// CreateComment posts a top-level comment. The comment is visible at once as pending.
func (self *DiscussionClient) CreateComment(forumId string, body string, ack AckFunction) (Id, error) {
	return self.mutations.CreateComment(forumId, body, ack)
}

// CreateAnswer posts an answer to a confirmed top-level comment.
func (self *DiscussionClient) CreateAnswer(parentId string, body string, ack AckFunction) (Id, error) {
	return self.mutations.CreateAnswer(parentId, "", body, ack)
}

func (self *DiscussionClient) EditComment(id string, newBody string, ack AckFunction) error {
	return self.mutations.EditComment(id, newBody, ack)
}

func (self *DiscussionClient) DeleteComment(id string, ack AckFunction) error {
	return self.mutations.DeleteComment(id, ack)
}

func (self *DiscussionClient) Retry(localId Id, ack AckFunction) error {
	return self.mutations.Retry(localId, ack)
}

func (self *DiscussionClient) Discard(localId Id) error {
	return self.mutations.Discard(localId)
}

func (self *DiscussionClient) onConnectionState(connected bool) {
	self.scheduler.Run(func() {
		if !connected {
			glog.Infof("[client]disconnected\n")
			self.mutations.onDisconnected()
			return
		}

		glog.V(1).Infof("[client]connected\n")
		// refresh every watched forum and the open thread
		forumIds := maps.Keys(self.forumWatchCounts)
		slices.Sort(forumIds)
		for _, forumId := range forumIds {
			self.fetchComments(forumId)
		}
		if !self.viewer.IsClosed() && self.settings.FetchAnswersOnOpen {
			self.fetchAnswers(self.viewerForumId, self.viewer.ParentId)
		}
	})
}

func decodePayload[T any](eventName string, payload json.RawMessage) (*T, bool) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		glog.Infof("[client]bad %s payload = %s\n", eventName, err)
		return nil, false
	}
	return &v, true
}

func (self *DiscussionClient) onCommentsSnapshot(payload json.RawMessage) {
	snapshot, ok := decodePayload[CommentsSnapshot](EventCommentsSnapshot, payload)
	if !ok {
		return
	}
	self.scheduler.Run(func() {
		glog.V(2).Infof("[client]snapshot %s (%d records)\n", snapshot.ForumId, len(snapshot.Comments))
		self.logMerge(self.comments.upsert(snapshot.ForumId, snapshot.Comments, self.mutations.onMergeResult))

		// the forum-wide snapshot also loads every cached thread of the forum
		for _, parentId := range self.threads.ParentIds(snapshot.ForumId) {
			self.logMerge(self.threads.mergeAnswers(parentId, snapshot.Comments, self.mutations.onMergeResult))
		}
	})
}

func (self *DiscussionClient) onAnswersSnapshot(payload json.RawMessage) {
	snapshot, ok := decodePayload[AnswersSnapshot](EventAnswersSnapshot, payload)
	if !ok {
		return
	}
	self.scheduler.Run(func() {
		glog.V(2).Infof("[client]answers %s (%d records)\n", snapshot.ParentId, len(snapshot.Answers))
		self.logMerge(self.threads.mergeAnswers(snapshot.ParentId, snapshot.Answers, self.mutations.onMergeResult))
	})
}

// created and updated records, for comments and answers
func (self *DiscussionClient) onCommentRecord(payload json.RawMessage) {
	record, ok := decodePayload[CommentRecord]("record", payload)
	if !ok {
		return
	}
	self.scheduler.Run(func() {
		records := []*CommentRecord{record}
		if parentId := record.parentId(); parentId == "" {
			self.logMerge(self.comments.upsert(record.ForumId, records, self.mutations.onMergeResult))
		} else {
			self.logMerge(self.threads.mergeLive(parentId, records, self.mutations.onMergeResult))
		}
	})
}

func (self *DiscussionClient) onCommentDeleted(payload json.RawMessage) {
	commentDeleted, ok := decodePayload[CommentDeleted](EventCommentDeleted, payload)
	if !ok {
		return
	}
	self.scheduler.Run(func() {
		if !self.mutations.onDeleted(commentDeleted.Id) {
			return
		}
		if self.viewer.ParentId == commentDeleted.Id {
			self.viewer.Dismiss()
			self.viewerForumId = ""
		}
	})
}

func (self *DiscussionClient) onCommentError(payload json.RawMessage) {
	commentError, ok := decodePayload[CommentError](EventCommentError, payload)
	if !ok {
		return
	}
	self.scheduler.Run(func() {
		if !self.mutations.onRejected(commentError) {
			glog.V(1).Infof("[client]unmatched rejection %s %s\n", commentError.Op, commentError.Message)
		}
	})
}

// ambiguous reconciliations are logged by the set and surfaced as mutation events
func (self *DiscussionClient) logMerge(changed []Id, ambiguous []error) {
	if 0 < len(changed) {
		glog.V(2).Infof("[client]merged %d changed (%d ambiguous)\n", len(changed), len(ambiguous))
	}
}

func (self *DiscussionClient) Close() {
	self.cancel()
	self.removeConnectionStateCallback()
	self.removePostRunCallback()
	self.mutations.Close()
}
