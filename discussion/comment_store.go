package discussion

import (
	"time"

	"github.com/golang/glog"
)

func DefaultCommentStoreSettings() *CommentStoreSettings {
	return &CommentStoreSettings{
		FingerprintTolerance: 30 * time.Second,
	}
}

type CommentStoreSettings struct {
	// max distance between the local and server `createdAt` for a fingerprint match
	FingerprintTolerance time.Duration
}

// CommentStore is the in-memory cache of top-level comments per forum.
// Removing a comment cascades to its answers in the thread store.
//
// Not safe for concurrent use. All writes come from the mutation coordinator
// and the broadcast handlers of the client, inside scheduled events.
type CommentStore struct {
	settings *CommentStoreSettings

	identity IdentityProvider
	threads  *ThreadStore

	forumComments map[string]*commentSet
	// local id -> forum id
	localIdForumIds map[Id]string
	// server id -> forum id
	idForumIds map[string]string
}

func NewCommentStoreWithDefaults(identity IdentityProvider, threads *ThreadStore) *CommentStore {
	return NewCommentStore(identity, threads, DefaultCommentStoreSettings())
}

func NewCommentStore(identity IdentityProvider, threads *ThreadStore, settings *CommentStoreSettings) *CommentStore {
	return &CommentStore{
		settings:        settings,
		identity:        identity,
		threads:         threads,
		forumComments:   map[string]*commentSet{},
		localIdForumIds: map[Id]string{},
		idForumIds:      map[string]string{},
	}
}

func (self *CommentStore) mergeSettings() *mergeSettings {
	settings := &mergeSettings{
		fingerprintTolerance: self.settings.FingerprintTolerance,
	}
	if self.identity != nil {
		settings.authorId = self.identity.Identity().UserId
	}
	return settings
}

func (self *CommentStore) forum(forumId string) *commentSet {
	comments, ok := self.forumComments[forumId]
	if !ok {
		comments = newCommentSet()
		self.forumComments[forumId] = comments
	}
	return comments
}

// UpsertFromBroadcast merges a server snapshot of one or many comments for a forum.
// Answers and records for other forums are skipped.
// Returns the local ids of changed entities and any ambiguous reconciliations.
func (self *CommentStore) UpsertFromBroadcast(forumId string, records []*CommentRecord) (changed []Id, ambiguous []error) {
	return self.upsert(forumId, records, nil)
}

// the result callback sees every merged record, used by the coordinator to resolve acks
func (self *CommentStore) upsert(
	forumId string,
	records []*CommentRecord,
	resultCallback func(mergeResult),
) (changed []Id, ambiguous []error) {
	comments := self.forum(forumId)
	settings := self.mergeSettings()
	for _, record := range records {
		if record == nil {
			continue
		}
		if record.ForumId != "" && record.ForumId != forumId {
			glog.V(2).Infof("[store]skip record %s for forum %s in %s\n", record.Id, record.ForumId, forumId)
			continue
		}
		if record.parentId() != "" {
			continue
		}
		if record.ForumId == "" {
			record.ForumId = forumId
		}
		result := comments.merge(record, settings)
		if !result.removedLocalId.IsZero() {
			delete(self.localIdForumIds, result.removedLocalId)
		}
		if result.ambiguousErr != nil {
			ambiguous = append(ambiguous, result.ambiguousErr)
		}
		if result.changed {
			changed = append(changed, result.localId)
			self.index(forumId, comments.get(result.localId))
		}
		if resultCallback != nil {
			resultCallback(result)
		}
	}
	return
}

func (self *CommentStore) index(forumId string, comment *Comment) {
	if comment == nil {
		return
	}
	self.localIdForumIds[comment.LocalId] = forumId
	if comment.Id != "" {
		self.idForumIds[comment.Id] = forumId
	}
}

// ApplyOptimistic inserts a pending entity. Local only, never fails.
func (self *CommentStore) ApplyOptimistic(comment *Comment) {
	comment.SyncState = SyncStatePending
	if comment.Mutation == MutationNone {
		comment.Mutation = MutationCreate
	}
	self.forum(comment.ForumId).insert(comment)
	self.index(comment.ForumId, comment)
	glog.V(1).Infof("[store]optimistic %s\n", comment)
}

// MarkFailed transitions an entity to failed. The projector renders it with a retry affordance.
func (self *CommentStore) MarkFailed(localId Id) bool {
	comment := self.Get(localId)
	if comment == nil {
		return false
	}
	comment.SyncState = SyncStateFailed
	glog.V(1).Infof("[store]failed %s\n", comment)
	return true
}

// Get returns the live entity for a local id, or nil.
func (self *CommentStore) Get(localId Id) *Comment {
	forumId, ok := self.localIdForumIds[localId]
	if !ok {
		return nil
	}
	return self.forum(forumId).get(localId)
}

// GetById returns the live entity for a server id, or nil.
func (self *CommentStore) GetById(id string) *Comment {
	forumId, ok := self.idForumIds[id]
	if !ok {
		return nil
	}
	return self.forum(forumId).getById(id)
}

// RemoveById deletes an entity by server id and cascades to its thread.
func (self *CommentStore) RemoveById(id string) *Comment {
	comment := self.GetById(id)
	if comment == nil {
		return nil
	}
	return self.Remove(comment.LocalId)
}

// Remove deletes an entity by local id and cascades to its thread.
// The cascade is a local projection only. The server is the source of truth for deletion.
func (self *CommentStore) Remove(localId Id) *Comment {
	forumId, ok := self.localIdForumIds[localId]
	if !ok {
		return nil
	}
	comment := self.forum(forumId).remove(localId)
	delete(self.localIdForumIds, localId)
	if comment == nil {
		return nil
	}
	if comment.Id != "" {
		delete(self.idForumIds, comment.Id)
		if self.threads != nil {
			self.threads.removeThread(comment.Id)
		}
	}
	glog.V(1).Infof("[store]remove %s\n", comment)
	return comment
}

// Snapshot returns copies of the forum's comments in insertion order.
func (self *CommentStore) Snapshot(forumId string) []Comment {
	comments, ok := self.forumComments[forumId]
	if !ok {
		return []Comment{}
	}
	return comments.snapshot()
}

// Pending returns the local ids of all pending entities, in all forums.
func (self *CommentStore) Pending() []Id {
	localIds := []Id{}
	for _, comments := range self.forumComments {
		for _, localId := range comments.localIds() {
			if comments.get(localId).IsPending() {
				localIds = append(localIds, localId)
			}
		}
	}
	return localIds
}
