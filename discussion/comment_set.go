package discussion

import (
	"fmt"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// a set of comments keyed by local id with a server id index.
// This holds the reconciliation rule shared by the comment store and each thread.
// Not safe for concurrent use. Callers run inside scheduled events.
type commentSet struct {
	localIdComments map[Id]*Comment
	idLocalIds      map[string]Id

	nextInsertIndex uint64
}

func newCommentSet() *commentSet {
	return &commentSet{
		localIdComments: map[Id]*Comment{},
		idLocalIds:      map[string]Id{},
	}
}

func (self *commentSet) Len() int {
	return len(self.localIdComments)
}

func (self *commentSet) get(localId Id) *Comment {
	return self.localIdComments[localId]
}

func (self *commentSet) getById(id string) *Comment {
	if localId, ok := self.idLocalIds[id]; ok {
		return self.localIdComments[localId]
	}
	return nil
}

func (self *commentSet) insert(comment *Comment) {
	if prev, ok := self.localIdComments[comment.LocalId]; ok {
		// keep the original position
		comment.insertIndex = prev.insertIndex
		if prev.Id != "" && prev.Id != comment.Id {
			delete(self.idLocalIds, prev.Id)
		}
	} else {
		comment.insertIndex = self.nextInsertIndex
		self.nextInsertIndex += 1
	}
	self.localIdComments[comment.LocalId] = comment
	if comment.Id != "" {
		self.idLocalIds[comment.Id] = comment.LocalId
	}
}

func (self *commentSet) remove(localId Id) *Comment {
	comment, ok := self.localIdComments[localId]
	if !ok {
		return nil
	}
	delete(self.localIdComments, localId)
	if comment.Id != "" {
		delete(self.idLocalIds, comment.Id)
	}
	return comment
}

// sets the server id on an existing entity
func (self *commentSet) adoptId(comment *Comment, id string) {
	if comment.Id == id {
		return
	}
	if comment.Id != "" {
		delete(self.idLocalIds, comment.Id)
	}
	comment.Id = id
	if id != "" {
		self.idLocalIds[id] = comment.LocalId
	}
}

// copies of all entities in insertion order
func (self *commentSet) snapshot() []Comment {
	comments := make([]Comment, 0, len(self.localIdComments))
	for _, comment := range self.localIdComments {
		comments = append(comments, *comment)
	}
	slices.SortFunc(comments, func(a Comment, b Comment) int {
		switch {
		case a.insertIndex < b.insertIndex:
			return -1
		case b.insertIndex < a.insertIndex:
			return 1
		default:
			return 0
		}
	})
	return comments
}

func (self *commentSet) localIds() []Id {
	return maps.Keys(self.localIdComments)
}

type mergeSettings struct {
	// the current identity. Fingerprint matching only applies to its own comments.
	authorId             string
	fingerprintTolerance time.Duration
}

type mergeResult struct {
	localId Id
	changed bool
	// a pending create was promoted
	confirmedCreate bool
	// a pending edit was confirmed
	confirmedEdit bool
	// set when the fingerprint fallback matched more than one candidate
	ambiguousErr error
	// a remote entity with the same server id was folded into `localId` and removed
	removedLocalId Id
}

// merge applies one broadcast record.
//  1. an echoed local id that matches an entity without a server id promotes it
//  2. otherwise upsert by server id, ignoring records older than the stored revision
//  3. with no echoed local id, fingerprint match against own pending creates
//  4. otherwise insert as a confirmed remote comment
func (self *commentSet) merge(record *CommentRecord, settings *mergeSettings) mergeResult {
	echoedLocalId, hasLocalId := record.localId()

	if hasLocalId {
		if comment := self.get(echoedLocalId); comment != nil && comment.Id == "" {
			result := mergeResult{
				localId:         comment.LocalId,
				changed:         true,
				confirmedCreate: true,
			}
			duplicate := self.getById(record.Id)
			self.confirmCreate(comment, record)
			if record.Id != "" && duplicate != nil && duplicate != comment {
				self.fold(comment, duplicate)
				result.removedLocalId = duplicate.LocalId
			}
			return result
		}
	}

	if record.Id != "" {
		if comment := self.getById(record.Id); comment != nil {
			return self.mergeExisting(comment, record)
		}
	}

	if !hasLocalId {
		if comment, ambiguousErr := self.fingerprintMatch(record, settings); comment != nil {
			self.confirmCreate(comment, record)
			return mergeResult{
				localId:         comment.LocalId,
				changed:         true,
				confirmedCreate: true,
				ambiguousErr:    ambiguousErr,
			}
		}
	}

	localId := echoedLocalId
	if !hasLocalId || self.get(localId) != nil {
		localId = NewId()
	}
	comment := &Comment{
		LocalId:   localId,
		SyncState: SyncStateConfirmed,
	}
	applyRecord(comment, record)
	comment.Id = record.Id
	self.insert(comment)
	return mergeResult{
		localId: localId,
		changed: true,
	}
}

func (self *commentSet) confirmCreate(comment *Comment, record *CommentRecord) {
	applyRecord(comment, record)
	self.adoptId(comment, record.Id)
	comment.SyncState = SyncStateConfirmed
	comment.Mutation = MutationNone
}

// fold merges a remote entity that holds the same server id into the promoted entity.
// This happens when the broadcast without a local id arrived first and missed the fingerprint.
// The earlier position and the fresher revision are kept.
func (self *commentSet) fold(comment *Comment, duplicate *Comment) {
	delete(self.localIdComments, duplicate.LocalId)
	self.idLocalIds[comment.Id] = comment.LocalId
	if duplicate.insertIndex < comment.insertIndex {
		comment.insertIndex = duplicate.insertIndex
	}
	if 0 < duplicate.revision().Cmp(comment.revision()) {
		applyRecord(comment, NewCommentRecord(duplicate))
	}
	glog.V(1).Infof("[set]fold %s into %s\n", duplicate, comment)
}

func (self *commentSet) mergeExisting(comment *Comment, record *CommentRecord) mergeResult {
	result := mergeResult{
		localId: comment.LocalId,
	}

	c := record.revision().Cmp(comment.revision())
	if c < 0 {
		// stale
		glog.V(2).Infof("[set]stale broadcast %s ignored for %s\n", record.Id, comment)
		return result
	}

	if comment.SyncState == SyncStatePending && comment.Mutation == MutationEdit {
		// only a newer revision or the edited body confirms the edit
		if 0 < c || record.Body == comment.Body {
			applyRecord(comment, record)
			comment.SyncState = SyncStateConfirmed
			comment.Mutation = MutationNone
			result.changed = true
			result.confirmedEdit = true
		}
		return result
	}

	if comment.SyncState == SyncStateFailed && comment.Mutation == MutationEdit && 0 < c {
		// late confirmation of a timed out edit
		applyRecord(comment, record)
		comment.SyncState = SyncStateConfirmed
		comment.Mutation = MutationNone
		result.changed = true
		result.confirmedEdit = true
		return result
	}

	if recordEquals(comment, record) {
		return result
	}
	applyRecord(comment, record)
	result.changed = true
	return result
}

// own pending creates in the same forum with the same body, created within the tolerance.
// The oldest candidate wins.
func (self *commentSet) fingerprintMatch(record *CommentRecord, settings *mergeSettings) (*Comment, error) {
	if settings == nil || settings.authorId == "" || record.AuthorId != settings.authorId {
		return nil, nil
	}

	candidates := []*Comment{}
	for _, comment := range self.localIdComments {
		if comment.Id != "" || comment.Mutation != MutationCreate {
			continue
		}
		if comment.ForumId != record.ForumId ||
			comment.AuthorId != record.AuthorId ||
			comment.ParentId != record.parentId() ||
			comment.Body != record.Body {
			continue
		}
		d := comment.CreatedAt.Sub(record.CreatedAt)
		if d < 0 {
			d = -d
		}
		if settings.fingerprintTolerance < d {
			continue
		}
		candidates = append(candidates, comment)
	}

	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
		return candidates[0], nil
	default:
		slices.SortFunc(candidates, func(a *Comment, b *Comment) int {
			if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
				return c
			}
			// local ids are ordered by create time
			switch {
			case a.LocalId.LessThan(b.LocalId):
				return -1
			case b.LocalId.LessThan(a.LocalId):
				return 1
			default:
				return 0
			}
		})
		err := fmt.Errorf("%w: %d candidates for %s, chose %s", ErrReconciliationAmbiguous, len(candidates), record.Id, candidates[0].LocalId)
		glog.Warningf("[set]%s\n", err)
		return candidates[0], err
	}
}

func applyRecord(comment *Comment, record *CommentRecord) {
	comment.ParentId = record.parentId()
	comment.ForumId = record.ForumId
	comment.AuthorId = record.AuthorId
	comment.AuthorDisplayName = record.AuthorDisplayName
	comment.Body = record.Body
	if !record.CreatedAt.IsZero() {
		comment.CreatedAt = record.CreatedAt
	}
	if record.UpdatedAt != nil {
		comment.UpdatedAt = *record.UpdatedAt
	}
	if comment.Sequence < record.Sequence {
		comment.Sequence = record.Sequence
	}
}

func recordEquals(comment *Comment, record *CommentRecord) bool {
	if comment.ParentId != record.parentId() ||
		comment.ForumId != record.ForumId ||
		comment.AuthorId != record.AuthorId ||
		comment.AuthorDisplayName != record.AuthorDisplayName ||
		comment.Body != record.Body {
		return false
	}
	if !record.CreatedAt.IsZero() && !comment.CreatedAt.Equal(record.CreatedAt) {
		return false
	}
	if record.UpdatedAt != nil && !comment.UpdatedAt.Equal(*record.UpdatedAt) {
		return false
	}
	return record.Sequence <= comment.Sequence
}
