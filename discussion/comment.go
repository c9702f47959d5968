package discussion

import (
	"fmt"
	"time"
)

// sync state machine is:
// SyncStatePending
//
//	-> SyncStateConfirmed
//	-> SyncStateFailed
//	  -> SyncStatePending (retry)
//	  -> SyncStateConfirmed (discard of a failed edit or delete)
type SyncState string

const (
	SyncStatePending   SyncState = "pending"
	SyncStateConfirmed SyncState = "confirmed"
	SyncStateFailed    SyncState = "failed"
)

type MutationKind string

const (
	MutationNone   MutationKind = ""
	MutationCreate MutationKind = "create"
	MutationEdit   MutationKind = "edit"
	MutationDelete MutationKind = "delete"
)

type LoadState string

const (
	LoadStateIdle    LoadState = "idle"
	LoadStateLoading LoadState = "loading"
	LoadStateLoaded  LoadState = "loaded"
	LoadStateError   LoadState = "error"
)

// Forum is read-only reference data.
type Forum struct {
	Id          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Comment is one forum post or one answer to a post.
type Comment struct {
	// server id. Empty before confirmation.
	Id string
	// client generated id, always present
	LocalId Id
	// empty for a top-level comment
	ParentId          string
	ForumId           string
	AuthorId          string
	AuthorDisplayName string
	Body              string
	CreatedAt         time.Time

	// freshness markers from the latest applied broadcast
	UpdatedAt time.Time
	Sequence  uint64

	SyncState SyncState
	// the mutation a pending or failed entity is waiting on
	Mutation MutationKind
	// an optimistic delete is in flight. Hidden from projections.
	Deleting bool

	// insertion order, used to break `CreatedAt` ties
	insertIndex uint64
}

func (self *Comment) IsAnswer() bool {
	return self.ParentId != ""
}

func (self *Comment) IsPending() bool {
	return self.SyncState == SyncStatePending
}

func (self *Comment) String() string {
	return fmt.Sprintf("%s(%s)[%s/%s]", self.LocalId, self.Id, self.SyncState, self.Mutation)
}

// revision of the stored content, compared against incoming broadcasts
func (self *Comment) revision() revision {
	at := self.UpdatedAt
	if at.IsZero() {
		at = self.CreatedAt
	}
	return revision{sequence: self.Sequence, at: at}
}

// CommentRecord is the payload shape of a comment or answer on the channel.
type CommentRecord struct {
	Id string `json:"id"`
	// echoed back by the server only when it supports it
	LocalId           string     `json:"localId,omitempty"`
	ParentId          *string    `json:"parentId"`
	ForumId           string     `json:"forumId"`
	AuthorId          string     `json:"authorId"`
	AuthorDisplayName string     `json:"authorDisplayName"`
	Body              string     `json:"body"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         *time.Time `json:"updatedAt,omitempty"`
	Sequence          uint64     `json:"seq,omitempty"`
}

func (self *CommentRecord) parentId() string {
	if self.ParentId == nil {
		return ""
	}
	return *self.ParentId
}

func (self *CommentRecord) localId() (Id, bool) {
	if self.LocalId == "" {
		return Id{}, false
	}
	localId, err := ParseId(self.LocalId)
	if err != nil {
		return Id{}, false
	}
	return localId, true
}

func (self *CommentRecord) revision() revision {
	at := self.CreatedAt
	if self.UpdatedAt != nil && !self.UpdatedAt.IsZero() {
		at = *self.UpdatedAt
	}
	return revision{sequence: self.Sequence, at: at}
}

// NewCommentRecord is the wire form of a comment.
func NewCommentRecord(comment *Comment) *CommentRecord {
	record := &CommentRecord{
		Id:                comment.Id,
		LocalId:           comment.LocalId.String(),
		ForumId:           comment.ForumId,
		AuthorId:          comment.AuthorId,
		AuthorDisplayName: comment.AuthorDisplayName,
		Body:              comment.Body,
		CreatedAt:         comment.CreatedAt,
		Sequence:          comment.Sequence,
	}
	if comment.ParentId != "" {
		parentId := comment.ParentId
		record.ParentId = &parentId
	}
	if !comment.UpdatedAt.IsZero() {
		updatedAt := comment.UpdatedAt
		record.UpdatedAt = &updatedAt
	}
	return record
}

// sequence wins when both sides carry one, else the timestamp
type revision struct {
	sequence uint64
	at       time.Time
}

func (self revision) Cmp(b revision) int {
	if self.sequence != 0 && b.sequence != 0 {
		switch {
		case self.sequence < b.sequence:
			return -1
		case b.sequence < self.sequence:
			return 1
		default:
			return 0
		}
	}
	return self.at.Compare(b.at)
}

// Thread is the materialized view of one parent comment plus its answers.
type Thread struct {
	Parent    Comment
	Answers   []Comment
	LoadState LoadState
	LoadError error
}
