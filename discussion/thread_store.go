package discussion

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

type CommentOrder string

const (
	// live feed order, same as the top-level feed
	CommentOrderNewestFirst CommentOrder = "newestFirst"
	// conversation reading order
	CommentOrderOldestFirst CommentOrder = "oldestFirst"
)

func DefaultThreadStoreSettings() *ThreadStoreSettings {
	return &ThreadStoreSettings{
		AnswerOrder:          CommentOrderNewestFirst,
		LoadTimeout:          10 * time.Second,
		FingerprintTolerance: 30 * time.Second,
	}
}

type ThreadStoreSettings struct {
	AnswerOrder CommentOrder
	// an opening thread moves to `error` if no snapshot arrives in this time
	LoadTimeout          time.Duration
	FingerprintTolerance time.Duration
}

type threadState struct {
	parentId string
	forumId  string

	answers *commentSet

	loadState LoadState
	loadErr   error
	// open threads merge every live broadcast.
	// Closed threads only reconcile answers they already hold.
	live      bool
	loadTimer *ScheduledTimer
}

// ThreadStore is the per-parent cache of answers, loaded on demand and merged with live broadcasts.
//
// Not safe for concurrent use. Callers hold the scheduler lock.
type ThreadStore struct {
	settings *ThreadStoreSettings

	scheduler *Scheduler
	identity  IdentityProvider

	parentThreads map[string]*threadState
	// local id -> parent id
	localIdParentIds map[Id]string
	// server id -> parent id
	idParentIds map[string]string
}

func NewThreadStoreWithDefaults(scheduler *Scheduler, identity IdentityProvider) *ThreadStore {
	return NewThreadStore(scheduler, identity, DefaultThreadStoreSettings())
}

func NewThreadStore(scheduler *Scheduler, identity IdentityProvider, settings *ThreadStoreSettings) *ThreadStore {
	return &ThreadStore{
		settings:         settings,
		scheduler:        scheduler,
		identity:         identity,
		parentThreads:    map[string]*threadState{},
		localIdParentIds: map[Id]string{},
		idParentIds:      map[string]string{},
	}
}

func (self *ThreadStore) AnswerOrder() CommentOrder {
	return self.settings.AnswerOrder
}

func (self *ThreadStore) thread(parentId string, forumId string) *threadState {
	thread, ok := self.parentThreads[parentId]
	if !ok {
		thread = &threadState{
			parentId:  parentId,
			forumId:   forumId,
			answers:   newCommentSet(),
			loadState: LoadStateIdle,
		}
		self.parentThreads[parentId] = thread
	} else if thread.forumId == "" {
		thread.forumId = forumId
	}
	return thread
}

// Open marks the thread loading and arms the load timer.
// The caller requests the forum-wide snapshot from the channel.
func (self *ThreadStore) Open(parentId string, forumId string) {
	thread := self.thread(parentId, forumId)
	thread.live = true
	thread.loadState = LoadStateLoading
	thread.loadErr = nil

	thread.loadTimer.Cancel()
	if 0 < self.settings.LoadTimeout && self.scheduler != nil {
		thread.loadTimer = self.scheduler.AfterFunc(self.settings.LoadTimeout, func() {
			self.expireLoad(parentId)
		})
	}
	glog.V(1).Infof("[thread]open %s\n", parentId)
}

func (self *ThreadStore) expireLoad(parentId string) {
	thread, ok := self.parentThreads[parentId]
	if !ok || thread.loadState != LoadStateLoading {
		return
	}
	thread.loadState = LoadStateError
	thread.loadErr = ErrLoadTimeout
	glog.Infof("[thread]load timeout %s\n", parentId)
}

// Close discards the live state of the thread and cancels its load timer.
// Pending and failed answers are kept so that in-flight mutations still resolve.
func (self *ThreadStore) Close(parentId string) {
	thread, ok := self.parentThreads[parentId]
	if !ok {
		return
	}
	thread.live = false
	thread.loadTimer.Cancel()
	thread.loadTimer = nil
	thread.loadState = LoadStateIdle
	thread.loadErr = nil

	for _, localId := range thread.answers.localIds() {
		if thread.answers.get(localId).SyncState == SyncStateConfirmed {
			self.removeFrom(thread, localId)
		}
	}
	if thread.answers.Len() == 0 {
		delete(self.parentThreads, parentId)
	}
	glog.V(1).Infof("[thread]close %s\n", parentId)
}

func (self *ThreadStore) IsOpen(parentId string) bool {
	thread, ok := self.parentThreads[parentId]
	return ok && thread.live
}

// OpenParentIds returns the open threads of a forum.
func (self *ThreadStore) OpenParentIds(forumId string) []string {
	parentIds := []string{}
	for parentId, thread := range self.parentThreads {
		if thread.live && thread.forumId == forumId {
			parentIds = append(parentIds, parentId)
		}
	}
	slices.Sort(parentIds)
	return parentIds
}

// FailLoad moves a loading thread to `error`. The viewer keeps the thread with an inline error.
func (self *ThreadStore) FailLoad(parentId string, err error) {
	thread, ok := self.parentThreads[parentId]
	if !ok || thread.loadState != LoadStateLoading {
		return
	}
	thread.loadTimer.Cancel()
	thread.loadTimer = nil
	thread.loadState = LoadStateError
	thread.loadErr = err
	glog.Infof("[thread]load error %s = %s\n", parentId, err)
}

// ParentIds returns every cached thread of a forum, open or closed.
// A closed thread is cached while it holds pending or failed answers.
func (self *ThreadStore) ParentIds(forumId string) []string {
	parentIds := []string{}
	for parentId, thread := range self.parentThreads {
		if thread.forumId == forumId {
			parentIds = append(parentIds, parentId)
		}
	}
	slices.Sort(parentIds)
	return parentIds
}

// MergeAnswers merges an answer snapshot into the thread, keeping only
// records whose parent is this thread. The first merge moves `loading` to `loaded`.
func (self *ThreadStore) MergeAnswers(parentId string, records []*CommentRecord) (changed []Id, ambiguous []error) {
	return self.mergeAnswers(parentId, records, nil)
}

func (self *ThreadStore) mergeAnswers(
	parentId string,
	records []*CommentRecord,
	resultCallback func(mergeResult),
) (changed []Id, ambiguous []error) {
	changed, ambiguous = self.merge(parentId, records, resultCallback)
	if thread, ok := self.parentThreads[parentId]; ok && thread.live {
		if thread.loadState == LoadStateLoading || thread.loadState == LoadStateError {
			thread.loadState = LoadStateLoaded
			thread.loadErr = nil
			thread.loadTimer.Cancel()
			thread.loadTimer = nil
			glog.V(1).Infof("[thread]loaded %s\n", parentId)
		}
	}
	return
}

// live broadcasts merge without changing the load state
func (self *ThreadStore) mergeLive(
	parentId string,
	records []*CommentRecord,
	resultCallback func(mergeResult),
) (changed []Id, ambiguous []error) {
	return self.merge(parentId, records, resultCallback)
}

func (self *ThreadStore) merge(
	parentId string,
	records []*CommentRecord,
	resultCallback func(mergeResult),
) (changed []Id, ambiguous []error) {
	thread, ok := self.parentThreads[parentId]
	if !ok {
		return
	}

	settings := &mergeSettings{
		fingerprintTolerance: self.settings.FingerprintTolerance,
	}
	if self.identity != nil {
		settings.authorId = self.identity.Identity().UserId
	}

	for _, record := range records {
		if record == nil || record.parentId() != parentId {
			continue
		}
		if thread.forumId != "" && record.ForumId != "" && record.ForumId != thread.forumId {
			continue
		}

		n := thread.answers.Len()
		result := thread.answers.merge(record, settings)
		if !result.removedLocalId.IsZero() {
			delete(self.localIdParentIds, result.removedLocalId)
		}
		if !thread.live && n < thread.answers.Len() && !result.confirmedCreate {
			// closed threads do not cache new answers
			thread.answers.remove(result.localId)
			continue
		}

		if result.ambiguousErr != nil {
			ambiguous = append(ambiguous, result.ambiguousErr)
		}
		if result.changed {
			changed = append(changed, result.localId)
			self.index(thread, thread.answers.get(result.localId))
		}
		if resultCallback != nil {
			resultCallback(result)
		}
	}
	return
}

func (self *ThreadStore) index(thread *threadState, answer *Comment) {
	if answer == nil {
		return
	}
	self.localIdParentIds[answer.LocalId] = thread.parentId
	if answer.Id != "" {
		self.idParentIds[answer.Id] = thread.parentId
	}
}

// ApplyOptimistic inserts a pending answer at once, also into a closed thread.
func (self *ThreadStore) ApplyOptimistic(answer *Comment) {
	thread := self.thread(answer.ParentId, answer.ForumId)
	answer.SyncState = SyncStatePending
	if answer.Mutation == MutationNone {
		answer.Mutation = MutationCreate
	}
	thread.answers.insert(answer)
	self.index(thread, answer)
	glog.V(1).Infof("[thread]optimistic %s in %s\n", answer, answer.ParentId)
}

// MarkFailed transitions an answer to failed, also in a closed thread.
func (self *ThreadStore) MarkFailed(localId Id) bool {
	answer := self.Get(localId)
	if answer == nil {
		return false
	}
	answer.SyncState = SyncStateFailed
	glog.V(1).Infof("[thread]failed %s in %s\n", answer, answer.ParentId)
	return true
}

func (self *ThreadStore) Get(localId Id) *Comment {
	parentId, ok := self.localIdParentIds[localId]
	if !ok {
		return nil
	}
	thread, ok := self.parentThreads[parentId]
	if !ok {
		return nil
	}
	return thread.answers.get(localId)
}

func (self *ThreadStore) GetById(id string) *Comment {
	parentId, ok := self.idParentIds[id]
	if !ok {
		return nil
	}
	thread, ok := self.parentThreads[parentId]
	if !ok {
		return nil
	}
	return thread.answers.getById(id)
}

func (self *ThreadStore) Remove(localId Id) *Comment {
	parentId, ok := self.localIdParentIds[localId]
	if !ok {
		return nil
	}
	thread, ok := self.parentThreads[parentId]
	if !ok {
		delete(self.localIdParentIds, localId)
		return nil
	}
	answer := self.removeFrom(thread, localId)
	if thread.answers.Len() == 0 && !thread.live {
		delete(self.parentThreads, parentId)
	}
	return answer
}

func (self *ThreadStore) RemoveById(id string) *Comment {
	answer := self.GetById(id)
	if answer == nil {
		return nil
	}
	return self.Remove(answer.LocalId)
}

func (self *ThreadStore) removeFrom(thread *threadState, localId Id) *Comment {
	answer := thread.answers.remove(localId)
	delete(self.localIdParentIds, localId)
	if answer != nil && answer.Id != "" {
		delete(self.idParentIds, answer.Id)
	}
	return answer
}

// cascade from the comment store when a parent is removed
func (self *ThreadStore) removeThread(parentId string) {
	thread, ok := self.parentThreads[parentId]
	if !ok {
		return
	}
	thread.loadTimer.Cancel()
	for _, localId := range thread.answers.localIds() {
		self.removeFrom(thread, localId)
	}
	delete(self.parentThreads, parentId)
	glog.V(1).Infof("[thread]cascade remove %s\n", parentId)
}

// Snapshot returns copies of the thread's answers in insertion order, and its load state.
func (self *ThreadStore) Snapshot(parentId string) ([]Comment, LoadState, error) {
	thread, ok := self.parentThreads[parentId]
	if !ok {
		return []Comment{}, LoadStateIdle, nil
	}
	return thread.answers.snapshot(), thread.loadState, thread.loadErr
}

// Thread materializes the parent with its answers in the configured order.
func (self *ThreadStore) Thread(parent Comment) *Thread {
	answers, loadState, loadErr := self.Snapshot(parent.Id)
	filtered := make([]Comment, 0, len(answers))
	for _, answer := range answers {
		if answer.ParentId == parent.Id {
			filtered = append(filtered, answer)
		}
	}
	OrderComments(filtered, self.settings.AnswerOrder)
	return &Thread{
		Parent:    parent,
		Answers:   filtered,
		LoadState: loadState,
		LoadError: loadErr,
	}
}

// Pending returns the local ids of all pending answers.
func (self *ThreadStore) Pending() []Id {
	localIds := []Id{}
	for _, thread := range self.parentThreads {
		for _, localId := range thread.answers.localIds() {
			if thread.answers.get(localId).IsPending() {
				localIds = append(localIds, localId)
			}
		}
	}
	return localIds
}

// OrderComments sorts by `CreatedAt` in the given order. Ties keep insertion order.
func OrderComments(comments []Comment, order CommentOrder) {
	slices.SortStableFunc(comments, func(a Comment, b Comment) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if order != CommentOrderOldestFirst {
			c = -c
		}
		if c != 0 {
			return c
		}
		switch {
		case a.insertIndex < b.insertIndex:
			return -1
		case b.insertIndex < a.insertIndex:
			return 1
		default:
			return 0
		}
	})
}
