package discussion

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func viewIds(views []CommentView) []string {
	ids := []string{}
	for _, view := range views {
		ids = append(ids, view.Id)
	}
	return ids
}

func TestProjectFeed(t *testing.T) {
	now := time.Now().UTC()
	feed := []Comment{
		{Id: "c1", ForumId: "f1", CreatedAt: now, SyncState: SyncStateConfirmed},
		{Id: "c2", ForumId: "f1", CreatedAt: now.Add(time.Second), SyncState: SyncStateFailed, Mutation: MutationEdit},
		{Id: "c3", ForumId: "f1", CreatedAt: now.Add(2 * time.Second), SyncState: SyncStatePending, Mutation: MutationDelete, Deleting: true},
		{LocalId: NewId(), ForumId: "f1", CreatedAt: now.Add(3 * time.Second), SyncState: SyncStatePending, Mutation: MutationCreate},
		// an answer never shows in the feed
		{Id: "a1", ParentId: "c1", ForumId: "f1", CreatedAt: now, SyncState: SyncStateConfirmed},
	}

	view := Project("f1", feed, nil, ThreadViewer{}, CommentOrderNewestFirst)
	assert.Equal(t, view.ForumId, "f1")
	assert.Equal(t, viewIds(view.Feed), []string{"", "c2", "c1"})
	assert.Equal(t, view.Feed[0].Pending, true)
	assert.Equal(t, view.Feed[1].Failed, true)
	assert.Equal(t, view.Feed[2].Pending, false)
	assert.Equal(t, view.Feed[2].Failed, false)
	assert.Equal(t, view.Thread == nil, true)

	// pure
	assert.Equal(t, Project("f1", feed, nil, ThreadViewer{}, CommentOrderNewestFirst), view)
	assert.Equal(t, feed[0].Id, "c1")
}

func TestProjectThread(t *testing.T) {
	now := time.Now().UTC()
	parent := Comment{Id: "c1", ForumId: "f1", CreatedAt: now, SyncState: SyncStateConfirmed}
	thread := &Thread{
		Parent: parent,
		Answers: []Comment{
			{Id: "a1", ParentId: "c1", ForumId: "f1", CreatedAt: now.Add(time.Second)},
			{Id: "a2", ParentId: "c1", ForumId: "f1", CreatedAt: now.Add(2 * time.Second)},
			{Id: "b1", ParentId: "c2", ForumId: "f1", CreatedAt: now.Add(3 * time.Second)},
			{Id: "a3", ParentId: "c1", ForumId: "f1", CreatedAt: now.Add(4 * time.Second), Deleting: true},
		},
		LoadState: LoadStateLoaded,
	}

	viewer := ThreadViewer{}
	viewer.Open("c1")
	assert.Equal(t, viewer.State, ThreadViewerOpening)

	view := Project("f1", []Comment{parent}, thread, viewer, CommentOrderOldestFirst)
	assert.Equal(t, view.Thread.Parent.Id, "c1")
	assert.Equal(t, viewIds(view.Thread.Answers), []string{"a1", "a2"})
	assert.Equal(t, view.Thread.State, ThreadViewerOpening)
	assert.Equal(t, view.Thread.Loading, false)

	view = Project("f1", []Comment{parent}, thread, viewer, CommentOrderNewestFirst)
	assert.Equal(t, viewIds(view.Thread.Answers), []string{"a2", "a1"})

	// a viewer on another thread does not show this one
	other := ThreadViewer{}
	other.Open("c2")
	view = Project("f1", []Comment{parent}, thread, other, CommentOrderNewestFirst)
	assert.Equal(t, view.Thread == nil, true)

	// a load error is inline. The feed stays.
	thread.LoadState = LoadStateError
	thread.LoadError = ErrLoadTimeout
	view = Project("f1", []Comment{parent}, thread, viewer, CommentOrderNewestFirst)
	assert.Equal(t, view.Thread.LoadError, ErrLoadTimeout)
	assert.Equal(t, viewIds(view.Feed), []string{"c1"})

	viewer.Dismiss()
	view = Project("f1", []Comment{parent}, thread, viewer, CommentOrderNewestFirst)
	assert.Equal(t, view.Thread == nil, true)
}

func TestThreadViewer(t *testing.T) {
	viewer := ThreadViewer{}
	assert.Equal(t, viewer.IsClosed(), true)

	// loaded has no effect while closed
	viewer.Loaded()
	assert.Equal(t, viewer.IsClosed(), true)

	viewer.Open("c1")
	viewer.Sync(LoadStateLoading)
	assert.Equal(t, viewer.State, ThreadViewerOpening)
	viewer.Sync(LoadStateError)
	assert.Equal(t, viewer.State, ThreadViewerOpening)
	viewer.Sync(LoadStateLoaded)
	assert.Equal(t, viewer.State, ThreadViewerOpen)
	assert.Equal(t, viewer.ParentId, "c1")

	viewer.Dismiss()
	assert.Equal(t, viewer.State, ThreadViewerClosed)
	assert.Equal(t, viewer.ParentId, "")
}
