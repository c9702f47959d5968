package discussion

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// called exactly once per mutation attempt.
// `nil` on confirmation, else an error for which `IsConfirmationFailure` is true.
type AckFunction func(err error)

type MutationEventFunction func(event *MutationEvent)

// events surfaced to the end user
type MutationEvent struct {
	LocalId   Id
	Id        string
	Kind      MutationKind
	SyncState SyncState
	// nil on confirmation. Ambiguous reconciliation is reported with a confirmed state and
	// an error wrapping `ErrReconciliationAmbiguous`.
	Err error
}

func DefaultMutationCoordinatorSettings() *MutationCoordinatorSettings {
	return &MutationCoordinatorSettings{
		ConfirmationTimeout: 10 * time.Second,
	}
}

type MutationCoordinatorSettings struct {
	// an optimistic projection with no confirming broadcast in this time fails
	ConfirmationTimeout time.Duration
}

type inFlightMutation struct {
	localId Id
	kind    MutationKind
	ack     AckFunction
	timer   *ScheduledTimer
	// the confirmed body before an optimistic edit
	prevBody string
}

// the attempted change of a failed edit, kept for retry
type failedMutation struct {
	kind MutationKind
	body string
}

// MutationCoordinator sequences local create/edit/delete actions into channel emissions.
// Each call makes at most one optimistic projection, which is resolved by a confirming broadcast,
// a server rejection, a disconnect, or the confirmation timeout.
type MutationCoordinator struct {
	settings *MutationCoordinatorSettings

	scheduler *Scheduler
	comments  *CommentStore
	threads   *ThreadStore
	channel   ChannelAdapter
	identity  IdentityProvider

	// these are guarded by the scheduler
	inFlight map[Id]*inFlightMutation
	failed   map[Id]*failedMutation
	// acks and events collected during an event, delivered after it
	deliveries []func()

	mutationEventCallbacks *CallbackList[MutationEventFunction]

	removePostRun func()
}

func NewMutationCoordinatorWithDefaults(
	scheduler *Scheduler,
	comments *CommentStore,
	threads *ThreadStore,
	channel ChannelAdapter,
	identity IdentityProvider,
) *MutationCoordinator {
	return NewMutationCoordinator(scheduler, comments, threads, channel, identity, DefaultMutationCoordinatorSettings())
}

func NewMutationCoordinator(
	scheduler *Scheduler,
	comments *CommentStore,
	threads *ThreadStore,
	channel ChannelAdapter,
	identity IdentityProvider,
	settings *MutationCoordinatorSettings,
) *MutationCoordinator {
	mutationCoordinator := &MutationCoordinator{
		settings:               settings,
		scheduler:              scheduler,
		comments:               comments,
		threads:                threads,
		channel:                channel,
		identity:               identity,
		inFlight:               map[Id]*inFlightMutation{},
		failed:                 map[Id]*failedMutation{},
		mutationEventCallbacks: NewCallbackList[MutationEventFunction](),
	}
	mutationCoordinator.removePostRun = scheduler.AddPostRunCallback(mutationCoordinator.deliver)
	return mutationCoordinator
}

func (self *MutationCoordinator) AddMutationEventCallback(mutationEventCallback MutationEventFunction) func() {
	callbackId := self.mutationEventCallbacks.Add(mutationEventCallback)
	return func() {
		self.mutationEventCallbacks.Remove(callbackId)
	}
}

func (self *MutationCoordinator) Close() {
	self.removePostRun()
}

// runs after each scheduled event, outside the lock
func (self *MutationCoordinator) deliver() {
	var deliveries []func()
	func() {
		self.scheduler.stateLock.Lock()
		defer self.scheduler.stateLock.Unlock()
		deliveries = self.deliveries
		self.deliveries = nil
	}()
	for _, delivery := range deliveries {
		HandleError(delivery)
	}
}

// must be called inside a scheduled event
func (self *MutationCoordinator) publish(ack AckFunction, event *MutationEvent) {
	if ack != nil {
		err := event.Err
		if event.SyncState == SyncStateConfirmed {
			err = nil
		}
		self.deliveries = append(self.deliveries, func() {
			ack(err)
		})
	}
	self.deliveries = append(self.deliveries, func() {
		for _, mutationEventCallback := range self.mutationEventCallbacks.Get() {
			HandleError(func() {
				mutationEventCallback(event)
			})
		}
	})
}

// must be called inside a scheduled event
func (self *MutationCoordinator) find(localId Id) *Comment {
	if comment := self.comments.Get(localId); comment != nil {
		return comment
	}
	return self.threads.Get(localId)
}

// must be called inside a scheduled event
func (self *MutationCoordinator) findById(id string) *Comment {
	if comment := self.comments.GetById(id); comment != nil {
		return comment
	}
	return self.threads.GetById(id)
}

// CreateComment applies a pending top-level comment and emits the create.
// Returns the local id of the optimistic entity.
func (self *MutationCoordinator) CreateComment(forumId string, body string, ack AckFunction) (localId Id, returnErr error) {
	self.scheduler.Run(func() {
		localId, returnErr = self.create(forumId, "", body, ack)
	})
	return
}

// CreateAnswer applies a pending answer to an existing confirmed top-level comment and emits the create.
// The answer is visible in the thread at once.
func (self *MutationCoordinator) CreateAnswer(parentId string, forumId string, body string, ack AckFunction) (localId Id, returnErr error) {
	self.scheduler.Run(func() {
		parent := self.comments.GetById(parentId)
		if parent == nil || parent.Deleting || (forumId != "" && parent.ForumId != forumId) {
			returnErr = fmt.Errorf("%w: parent %s", ErrCommentNotFound, parentId)
			return
		}
		localId, returnErr = self.create(parent.ForumId, parentId, body, ack)
	})
	return
}

// must be called inside a scheduled event
func (self *MutationCoordinator) create(forumId string, parentId string, body string, ack AckFunction) (Id, error) {
	if strings.TrimSpace(body) == "" {
		return Id{}, ErrEmptyBody
	}
	if !self.channel.IsConnected() {
		return Id{}, ErrChannelUnavailable
	}

	identity := self.identity.Identity()
	comment := &Comment{
		LocalId:           NewId(),
		ParentId:          parentId,
		ForumId:           forumId,
		AuthorId:          identity.UserId,
		AuthorDisplayName: identity.DisplayName,
		Body:              body,
		CreatedAt:         time.Now().UTC(),
		Mutation:          MutationCreate,
	}
	if parentId == "" {
		self.comments.ApplyOptimistic(comment)
	} else {
		self.threads.ApplyOptimistic(comment)
	}

	self.start(comment, MutationCreate, "", ack)
	self.emitCreate(comment)
	return comment.LocalId, nil
}

func (self *MutationCoordinator) emitCreate(comment *Comment) {
	args := &CreateCommentArgs{
		LocalId:           comment.LocalId,
		ForumId:           comment.ForumId,
		AuthorId:          comment.AuthorId,
		AuthorDisplayName: comment.AuthorDisplayName,
		Body:              comment.Body,
		CreatedAt:         comment.CreatedAt,
	}
	if comment.ParentId != "" {
		parentId := comment.ParentId
		args.ParentId = &parentId
	}
	self.emit(comment.LocalId, EventCommentCreate, args)
}

// EditComment applies the new body optimistically and emits the update.
// The entity must be confirmed. A pending entity is rejected with `ErrConcurrentMutation`.
func (self *MutationCoordinator) EditComment(id string, newBody string, ack AckFunction) (returnErr error) {
	self.scheduler.Run(func() {
		returnErr = self.edit(id, newBody, ack)
	})
	return
}

// must be called inside a scheduled event
func (self *MutationCoordinator) edit(id string, newBody string, ack AckFunction) error {
	comment := self.findById(id)
	if comment == nil {
		return fmt.Errorf("%w: %s", ErrCommentNotFound, id)
	}
	if comment.SyncState != SyncStateConfirmed {
		return fmt.Errorf("%w: %s is %s", ErrConcurrentMutation, id, comment.SyncState)
	}
	if strings.TrimSpace(newBody) == "" {
		return ErrEmptyBody
	}
	if !self.channel.IsConnected() {
		return ErrChannelUnavailable
	}

	prevBody := comment.Body
	comment.Body = newBody
	comment.SyncState = SyncStatePending
	comment.Mutation = MutationEdit

	self.start(comment, MutationEdit, prevBody, ack)
	self.emit(comment.LocalId, EventCommentUpdate, &UpdateCommentArgs{
		ForumId: comment.ForumId,
		Id:      comment.Id,
		Body:    newBody,
	})
	return nil
}

// DeleteComment hides the entity and emits the delete.
// Only confirmed entities of the current identity can be deleted.
// This is a client side guard. Authorization is enforced by the server.
// If no delete broadcast arrives in time the entity is shown again at its original position.
func (self *MutationCoordinator) DeleteComment(id string, ack AckFunction) (returnErr error) {
	self.scheduler.Run(func() {
		returnErr = self.delete(id, ack)
	})
	return
}

// must be called inside a scheduled event
func (self *MutationCoordinator) delete(id string, ack AckFunction) error {
	comment := self.findById(id)
	if comment == nil {
		return fmt.Errorf("%w: %s", ErrCommentNotFound, id)
	}
	if comment.AuthorId != self.identity.Identity().UserId {
		return ErrNotOwner
	}
	if comment.SyncState != SyncStateConfirmed {
		return fmt.Errorf("%w: %s is %s", ErrConcurrentMutation, id, comment.SyncState)
	}
	if !self.channel.IsConnected() {
		return ErrChannelUnavailable
	}

	comment.Deleting = true
	comment.SyncState = SyncStatePending
	comment.Mutation = MutationDelete

	self.start(comment, MutationDelete, "", ack)
	self.emit(comment.LocalId, EventCommentDelete, &DeleteCommentArgs{
		ForumId: comment.ForumId,
		Id:      comment.Id,
	})
	return nil
}

// Retry re-emits the mutation of a failed entity.
func (self *MutationCoordinator) Retry(localId Id, ack AckFunction) (returnErr error) {
	self.scheduler.Run(func() {
		returnErr = self.retry(localId, ack)
	})
	return
}

// must be called inside a scheduled event
func (self *MutationCoordinator) retry(localId Id, ack AckFunction) error {
	comment := self.find(localId)
	if comment == nil {
		return fmt.Errorf("%w: %s", ErrCommentNotFound, localId)
	}
	if comment.SyncState != SyncStateFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, localId, comment.SyncState)
	}
	if !self.channel.IsConnected() {
		return ErrChannelUnavailable
	}

	failed := self.failed[localId]
	delete(self.failed, localId)

	switch comment.Mutation {
	case MutationCreate:
		comment.SyncState = SyncStatePending
		self.start(comment, MutationCreate, "", ack)
		self.emitCreate(comment)
	case MutationEdit:
		prevBody := comment.Body
		if failed != nil {
			comment.Body = failed.body
		}
		comment.SyncState = SyncStatePending
		self.start(comment, MutationEdit, prevBody, ack)
		self.emit(localId, EventCommentUpdate, &UpdateCommentArgs{
			ForumId: comment.ForumId,
			Id:      comment.Id,
			Body:    comment.Body,
		})
	case MutationDelete:
		comment.Deleting = true
		comment.SyncState = SyncStatePending
		self.start(comment, MutationDelete, "", ack)
		self.emit(localId, EventCommentDelete, &DeleteCommentArgs{
			ForumId: comment.ForumId,
			Id:      comment.Id,
		})
	default:
		return fmt.Errorf("%w: %s has no mutation", ErrNotFailed, localId)
	}
	return nil
}

// Discard drops a failed create, or returns a failed edit or delete to the confirmed state.
func (self *MutationCoordinator) Discard(localId Id) (returnErr error) {
	self.scheduler.Run(func() {
		returnErr = self.discard(localId)
	})
	return
}

// must be called inside a scheduled event
func (self *MutationCoordinator) discard(localId Id) error {
	comment := self.find(localId)
	if comment == nil {
		return fmt.Errorf("%w: %s", ErrCommentNotFound, localId)
	}
	if comment.SyncState != SyncStateFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, localId, comment.SyncState)
	}
	delete(self.failed, localId)

	switch comment.Mutation {
	case MutationCreate:
		self.remove(comment)
	default:
		comment.SyncState = SyncStateConfirmed
		comment.Mutation = MutationNone
		comment.Deleting = false
	}
	glog.V(1).Infof("[mutation]discard %s\n", localId)
	return nil
}

// must be called inside a scheduled event
func (self *MutationCoordinator) start(comment *Comment, kind MutationKind, prevBody string, ack AckFunction) {
	localId := comment.LocalId
	m := &inFlightMutation{
		localId:  localId,
		kind:     kind,
		ack:      ack,
		prevBody: prevBody,
	}
	m.timer = self.scheduler.AfterFunc(self.settings.ConfirmationTimeout, func() {
		if self.inFlight[localId] != m {
			return
		}
		glog.Infof("[mutation]%s %s confirmation timeout\n", kind, localId)
		self.fail(localId, fmt.Errorf("%w: %s %s", ErrConfirmationTimeout, kind, localId))
	})
	self.inFlight[localId] = m
	glog.V(1).Infof("[mutation]start %s %s\n", kind, comment)
}

// must be called inside a scheduled event
func (self *MutationCoordinator) emit(localId Id, eventName string, payload any) {
	if err := self.channel.Emit(eventName, payload); err != nil {
		glog.Infof("[mutation]emit %s %s error = %s\n", eventName, localId, err)
		self.fail(localId, fmt.Errorf("%w: %s", ErrChannelDisconnected, err))
		return
	}
	glog.V(2).Infof("[mutation]emit %s %s\n", eventName, localId)
}

// resolves an in-flight mutation to `failed`, rolling back the optimistic projection.
// must be called inside a scheduled event
func (self *MutationCoordinator) fail(localId Id, err error) {
	m, ok := self.inFlight[localId]
	if !ok {
		return
	}
	delete(self.inFlight, localId)
	m.timer.Cancel()

	event := &MutationEvent{
		LocalId:   localId,
		Kind:      m.kind,
		SyncState: SyncStateFailed,
		Err:       err,
	}

	comment := self.find(localId)
	if comment != nil {
		event.Id = comment.Id
		switch m.kind {
		case MutationEdit:
			self.failed[localId] = &failedMutation{
				kind: MutationEdit,
				body: comment.Body,
			}
			comment.Body = m.prevBody
		case MutationDelete:
			// re-insert at the original position
			comment.Deleting = false
		}
		if comment.IsAnswer() {
			self.threads.MarkFailed(localId)
		} else {
			self.comments.MarkFailed(localId)
		}
		comment.Mutation = m.kind
	}

	self.publish(m.ack, event)
}

// must be called inside a scheduled event
func (self *MutationCoordinator) confirm(localId Id, kind MutationKind) {
	m, ok := self.inFlight[localId]
	if !ok || m.kind != kind {
		delete(self.failed, localId)
		return
	}
	delete(self.inFlight, localId)
	m.timer.Cancel()

	event := &MutationEvent{
		LocalId:   localId,
		Kind:      kind,
		SyncState: SyncStateConfirmed,
	}
	if comment := self.find(localId); comment != nil {
		event.Id = comment.Id
	}
	glog.V(1).Infof("[mutation]confirm %s %s\n", kind, localId)
	self.publish(m.ack, event)
}

// onMergeResult resolves acks for records merged from a broadcast.
// must be called inside a scheduled event
func (self *MutationCoordinator) onMergeResult(result mergeResult) {
	if !result.removedLocalId.IsZero() {
		delete(self.failed, result.removedLocalId)
		self.fail(result.removedLocalId, fmt.Errorf(
			"%w: %s folded into %s",
			ErrReconciliationAmbiguous,
			result.removedLocalId,
			result.localId,
		))
	}
	if result.changed && !result.confirmedEdit && self.lateEdit(result.localId) {
		result.confirmedEdit = true
	}
	if result.confirmedCreate {
		self.confirm(result.localId, MutationCreate)
	}
	if result.confirmedEdit {
		self.confirm(result.localId, MutationEdit)
	}
	if result.ambiguousErr != nil {
		event := &MutationEvent{
			LocalId:   result.localId,
			Kind:      MutationCreate,
			SyncState: SyncStateConfirmed,
			Err:       result.ambiguousErr,
		}
		if comment := self.find(result.localId); comment != nil {
			event.Id = comment.Id
		}
		self.publish(nil, event)
	}
}

// a failed edit is confirmed late when a broadcast carries the attempted body.
// Broadcasts without `updatedAt` or `seq` carry no newer revision, so the body is the only signal.
// must be called inside a scheduled event
func (self *MutationCoordinator) lateEdit(localId Id) bool {
	failed, ok := self.failed[localId]
	if !ok || failed.kind != MutationEdit {
		return false
	}
	comment := self.find(localId)
	if comment == nil || comment.SyncState != SyncStateFailed || comment.Body != failed.body {
		return false
	}
	comment.SyncState = SyncStateConfirmed
	comment.Mutation = MutationNone
	glog.V(1).Infof("[mutation]late edit confirm %s\n", localId)
	return true
}

// onDeleted applies an authoritative delete.
// must be called inside a scheduled event
func (self *MutationCoordinator) onDeleted(id string) bool {
	comment := self.findById(id)
	if comment == nil {
		return false
	}
	localId := comment.LocalId
	if m, ok := self.inFlight[localId]; ok {
		if m.kind == MutationDelete {
			self.confirm(localId, MutationDelete)
		} else {
			self.fail(localId, fmt.Errorf("%w: %s was deleted", ErrChannelRejected, id))
		}
	}
	self.remove(comment)
	return true
}

// removes the entity and resolves in-flight answers that go with it
// must be called inside a scheduled event
func (self *MutationCoordinator) remove(comment *Comment) {
	delete(self.failed, comment.LocalId)
	if comment.IsAnswer() {
		self.threads.Remove(comment.LocalId)
		return
	}
	if comment.Id != "" {
		answers, _, _ := self.threads.Snapshot(comment.Id)
		for _, answer := range answers {
			if _, ok := self.inFlight[answer.LocalId]; ok {
				self.fail(answer.LocalId, fmt.Errorf("%w: parent %s was deleted", ErrChannelRejected, comment.Id))
			}
			delete(self.failed, answer.LocalId)
		}
	}
	self.comments.Remove(comment.LocalId)
}

// onRejected applies a server rejection.
// must be called inside a scheduled event
func (self *MutationCoordinator) onRejected(commentError *CommentError) bool {
	var comment *Comment
	if localId, err := ParseId(commentError.LocalId); err == nil {
		comment = self.find(localId)
	}
	if comment == nil && commentError.Id != "" {
		comment = self.findById(commentError.Id)
	}
	if comment == nil {
		return false
	}
	if _, ok := self.inFlight[comment.LocalId]; !ok {
		return false
	}
	glog.Infof("[mutation]%s %s rejected = %s\n", commentError.Op, comment.LocalId, commentError.Message)
	self.fail(comment.LocalId, fmt.Errorf("%w: %s", ErrChannelRejected, commentError.Message))
	return true
}

// onDisconnected fails every in-flight mutation.
// must be called inside a scheduled event
func (self *MutationCoordinator) onDisconnected() {
	localIds := maps.Keys(self.inFlight)
	if 0 < len(localIds) {
		glog.Infof("[mutation]disconnect with %d in flight\n", len(localIds))
	}
	for _, localId := range localIds {
		self.fail(localId, fmt.Errorf("%w: %s", ErrChannelDisconnected, localId))
	}
}

// InFlight returns the local ids of unresolved mutations.
func (self *MutationCoordinator) InFlight() (localIds []Id) {
	self.scheduler.Run(func() {
		localIds = maps.Keys(self.inFlight)
	})
	return
}
