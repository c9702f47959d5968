package discussion

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testRecord(id string, forumId string, authorId string, body string, createdAt time.Time) *CommentRecord {
	return &CommentRecord{
		Id:                id,
		ForumId:           forumId,
		AuthorId:          authorId,
		AuthorDisplayName: authorId,
		Body:              body,
		CreatedAt:         createdAt,
	}
}

func testAnswerRecord(id string, parentId string, forumId string, authorId string, body string, createdAt time.Time) *CommentRecord {
	record := testRecord(id, forumId, authorId, body, createdAt)
	record.ParentId = &parentId
	return record
}

func testPending(forumId string, authorId string, body string, createdAt time.Time) *Comment {
	return &Comment{
		LocalId:           NewId(),
		ForumId:           forumId,
		AuthorId:          authorId,
		AuthorDisplayName: authorId,
		Body:              body,
		CreatedAt:         createdAt,
	}
}

func TestUpsertIdempotent(t *testing.T) {
	store := NewCommentStoreWithDefaults(StaticIdentity{UserId: "u1"}, nil)

	now := time.Now().UTC()
	records := []*CommentRecord{
		testRecord("c1", "f1", "u2", "a", now),
		testRecord("c2", "f1", "u2", "b", now.Add(time.Second)),
	}

	changed, ambiguous := store.UpsertFromBroadcast("f1", records)
	assert.Equal(t, len(changed), 2)
	assert.Equal(t, len(ambiguous), 0)

	// re-applying the same broadcast is a no-op
	changed, _ = store.UpsertFromBroadcast("f1", records)
	assert.Equal(t, len(changed), 0)

	// duplicates inside one payload
	changed, _ = store.UpsertFromBroadcast("f1", []*CommentRecord{records[0], records[0], records[1]})
	assert.Equal(t, len(changed), 0)

	snapshot := store.Snapshot("f1")
	assert.Equal(t, len(snapshot), 2)
	assert.Equal(t, snapshot[0].Id, "c1")
	assert.Equal(t, snapshot[1].Id, "c2")
	for _, comment := range snapshot {
		assert.Equal(t, comment.SyncState, SyncStateConfirmed)
	}
}

func TestUpsertConfirmsPendingByLocalId(t *testing.T) {
	store := NewCommentStoreWithDefaults(StaticIdentity{UserId: "u1"}, nil)

	now := time.Now().UTC()
	pending := testPending("f1", "u1", "hola", now)
	store.ApplyOptimistic(pending)
	assert.Equal(t, store.Get(pending.LocalId).SyncState, SyncStatePending)
	assert.Equal(t, store.Get(pending.LocalId).Mutation, MutationCreate)
	assert.Equal(t, store.Pending(), []Id{pending.LocalId})

	record := testRecord("c1", "f1", "u1", "hola", now.Add(time.Second))
	record.LocalId = pending.LocalId.String()

	changed, _ := store.UpsertFromBroadcast("f1", []*CommentRecord{record})
	assert.Equal(t, changed, []Id{pending.LocalId})

	// the same entity, now with the server id
	comment := store.Get(pending.LocalId)
	assert.Equal(t, comment.Id, "c1")
	assert.Equal(t, comment.SyncState, SyncStateConfirmed)
	assert.Equal(t, comment.Mutation, MutationNone)
	assert.Equal(t, store.GetById("c1").LocalId, pending.LocalId)
	assert.Equal(t, len(store.Snapshot("f1")), 1)
	assert.Equal(t, len(store.Pending()), 0)

	// a duplicate confirmation does not add an entity
	changed, _ = store.UpsertFromBroadcast("f1", []*CommentRecord{record})
	assert.Equal(t, len(changed), 0)
	assert.Equal(t, len(store.Snapshot("f1")), 1)
}

func TestUpsertStaleThenFresh(t *testing.T) {
	store := NewCommentStoreWithDefaults(StaticIdentity{UserId: "u1"}, nil)

	now := time.Now().UTC()

	second := testRecord("c1", "f1", "u2", "second", now)
	second.Sequence = 2
	first := testRecord("c1", "f1", "u2", "first", now)
	first.Sequence = 1
	third := testRecord("c1", "f1", "u2", "third", now)
	third.Sequence = 3

	store.UpsertFromBroadcast("f1", []*CommentRecord{second})
	assert.Equal(t, store.GetById("c1").Body, "second")

	changed, _ := store.UpsertFromBroadcast("f1", []*CommentRecord{first})
	assert.Equal(t, len(changed), 0)
	assert.Equal(t, store.GetById("c1").Body, "second")

	changed, _ = store.UpsertFromBroadcast("f1", []*CommentRecord{third})
	assert.Equal(t, len(changed), 1)
	assert.Equal(t, store.GetById("c1").Body, "third")

	// without a sequence the update time decides
	updatedAt2 := now.Add(2 * time.Second)
	b := testRecord("c2", "f1", "u2", "b", now)
	b.UpdatedAt = &updatedAt2
	updatedAt1 := now.Add(time.Second)
	a := testRecord("c2", "f1", "u2", "a", now)
	a.UpdatedAt = &updatedAt1

	store.UpsertFromBroadcast("f1", []*CommentRecord{b, a})
	assert.Equal(t, store.GetById("c2").Body, "b")
	assert.Equal(t, len(store.Snapshot("f1")), 2)
}

func TestUpsertFingerprint(t *testing.T) {
	store := NewCommentStoreWithDefaults(StaticIdentity{UserId: "u1"}, nil)

	now := time.Now().UTC()
	pending := testPending("f1", "u1", "hola", now)
	store.ApplyOptimistic(pending)

	// no echoed local id
	record := testRecord("c1", "f1", "u1", "hola", now.Add(2*time.Second))
	changed, ambiguous := store.UpsertFromBroadcast("f1", []*CommentRecord{record})
	assert.Equal(t, changed, []Id{pending.LocalId})
	assert.Equal(t, len(ambiguous), 0)
	assert.Equal(t, store.Get(pending.LocalId).Id, "c1")
	assert.Equal(t, store.Get(pending.LocalId).SyncState, SyncStateConfirmed)
	assert.Equal(t, len(store.Snapshot("f1")), 1)

	// another author with the same body is a different comment
	other := testRecord("c2", "f1", "u2", "hola", now.Add(2*time.Second))
	store.UpsertFromBroadcast("f1", []*CommentRecord{other})
	assert.Equal(t, len(store.Snapshot("f1")), 2)

	// outside the tolerance
	late := testPending("f1", "u1", "later", now)
	store.ApplyOptimistic(late)
	lateRecord := testRecord("c3", "f1", "u1", "later", now.Add(time.Minute))
	store.UpsertFromBroadcast("f1", []*CommentRecord{lateRecord})
	assert.Equal(t, store.Get(late.LocalId).SyncState, SyncStatePending)
	assert.Equal(t, store.Get(late.LocalId).Id, "")
	assert.Equal(t, len(store.Snapshot("f1")), 4)
}

func TestUpsertFingerprintAmbiguous(t *testing.T) {
	store := NewCommentStoreWithDefaults(StaticIdentity{UserId: "u1"}, nil)

	now := time.Now().UTC()
	older := testPending("f1", "u1", "same", now)
	newer := testPending("f1", "u1", "same", now.Add(time.Second))
	store.ApplyOptimistic(older)
	store.ApplyOptimistic(newer)

	record := testRecord("c1", "f1", "u1", "same", now.Add(time.Second))
	changed, ambiguous := store.UpsertFromBroadcast("f1", []*CommentRecord{record})
	assert.Equal(t, changed, []Id{older.LocalId})
	assert.Equal(t, len(ambiguous), 1)
	assert.Equal(t, errors.Is(ambiguous[0], ErrReconciliationAmbiguous), true)

	assert.Equal(t, store.Get(older.LocalId).Id, "c1")
	assert.Equal(t, store.Get(newer.LocalId).Id, "")
	assert.Equal(t, store.Get(newer.LocalId).SyncState, SyncStatePending)
	assert.Equal(t, len(store.Snapshot("f1")), 2)
}

func TestUpsertSkipsAnswersAndOtherForums(t *testing.T) {
	store := NewCommentStoreWithDefaults(StaticIdentity{UserId: "u1"}, nil)

	now := time.Now().UTC()
	changed, _ := store.UpsertFromBroadcast("f1", []*CommentRecord{
		testAnswerRecord("a1", "c1", "f1", "u2", "answer", now),
		testRecord("c2", "f2", "u2", "other forum", now),
		nil,
	})
	assert.Equal(t, len(changed), 0)
	assert.Equal(t, len(store.Snapshot("f1")), 0)
	assert.Equal(t, len(store.Snapshot("f2")), 0)
}

func TestMarkFailed(t *testing.T) {
	store := NewCommentStoreWithDefaults(StaticIdentity{UserId: "u1"}, nil)

	pending := testPending("f1", "u1", "hola", time.Now().UTC())
	store.ApplyOptimistic(pending)
	assert.Equal(t, store.MarkFailed(pending.LocalId), true)
	assert.Equal(t, store.Get(pending.LocalId).SyncState, SyncStateFailed)
	assert.Equal(t, len(store.Pending()), 0)

	assert.Equal(t, store.MarkFailed(NewId()), false)
}

func TestRemoveCascadesThread(t *testing.T) {
	scheduler := NewScheduler()
	identity := StaticIdentity{UserId: "u1"}
	threads := NewThreadStoreWithDefaults(scheduler, identity)
	store := NewCommentStoreWithDefaults(identity, threads)

	now := time.Now().UTC()
	scheduler.Run(func() {
		store.UpsertFromBroadcast("f1", []*CommentRecord{
			testRecord("c1", "f1", "u2", "parent", now),
			testRecord("c2", "f1", "u2", "sibling", now),
		})
		threads.Open("c1", "f1")
		threads.MergeAnswers("c1", []*CommentRecord{
			testAnswerRecord("a1", "c1", "f1", "u2", "answer", now),
		})
		assert.Equal(t, threads.GetById("a1").Body, "answer")

		removed := store.RemoveById("c1")
		assert.Equal(t, removed.Id, "c1")

		answers, loadState, _ := threads.Snapshot("c1")
		assert.Equal(t, len(answers), 0)
		assert.Equal(t, loadState, LoadStateIdle)
		assert.Equal(t, threads.GetById("a1") == nil, true)
		assert.Equal(t, threads.IsOpen("c1"), false)

		assert.Equal(t, len(store.Snapshot("f1")), 1)
		assert.Equal(t, store.GetById("c1") == nil, true)
		assert.Equal(t, store.RemoveById("c1") == nil, true)
	})
}

func TestUpsertEchoAfterRemoteInsert(t *testing.T) {
	store := NewCommentStoreWithDefaults(StaticIdentity{UserId: "u1"}, nil)

	now := time.Now().UTC()
	pending := testPending("f1", "u1", "hola", now)
	store.ApplyOptimistic(pending)

	// the server clock is outside the fingerprint tolerance, so this inserts a second entity
	serverCreatedAt := now.Add(2 * time.Minute)
	store.UpsertFromBroadcast("f1", []*CommentRecord{
		testRecord("42", "f1", "u1", "hola", serverCreatedAt),
	})
	snapshot := store.Snapshot("f1")
	assert.Equal(t, len(snapshot), 2)
	remoteLocalId := snapshot[1].LocalId
	assert.Equal(t, snapshot[1].Id, "42")

	// a later edit of the remote entity
	updatedAt := serverCreatedAt.Add(time.Minute)
	edited := testRecord("42", "f1", "u1", "hola!", serverCreatedAt)
	edited.UpdatedAt = &updatedAt
	store.UpsertFromBroadcast("f1", []*CommentRecord{edited})

	// the echoed create arrives last
	echo := testRecord("42", "f1", "u1", "hola", serverCreatedAt)
	echo.LocalId = pending.LocalId.String()
	changed, _ := store.UpsertFromBroadcast("f1", []*CommentRecord{echo})
	assert.Equal(t, changed, []Id{pending.LocalId})

	snapshot = store.Snapshot("f1")
	assert.Equal(t, len(snapshot), 1)
	assert.Equal(t, snapshot[0].LocalId, pending.LocalId)
	assert.Equal(t, snapshot[0].Id, "42")
	assert.Equal(t, snapshot[0].SyncState, SyncStateConfirmed)
	// the fresher revision wins
	assert.Equal(t, snapshot[0].Body, "hola!")
	assert.Equal(t, store.GetById("42").LocalId, pending.LocalId)
	assert.Equal(t, store.Get(remoteLocalId) == nil, true)

	// replays are no-ops
	changed, _ = store.UpsertFromBroadcast("f1", []*CommentRecord{echo, edited})
	assert.Equal(t, len(changed), 0)
	assert.Equal(t, len(store.Snapshot("f1")), 1)
}
