package discussion

// thread viewer state machine is:
// ThreadViewerClosed
//
//	-> ThreadViewerOpening (open requested, loading)
//	  -> ThreadViewerOpen (first successful merge)
//	  -> ThreadViewerClosed (dismissed)
//	-> ThreadViewerOpen
//	  -> ThreadViewerClosed (dismissed)
//
// A load error keeps the viewer in `ThreadViewerOpening` with an inline error.
// An open thread keeps merging live broadcasts without a transition.
type ThreadViewerState string

const (
	ThreadViewerClosed  ThreadViewerState = "closed"
	ThreadViewerOpening ThreadViewerState = "opening"
	ThreadViewerOpen    ThreadViewerState = "open"
)

// ThreadViewer tracks which thread, if any, is shown.
type ThreadViewer struct {
	ParentId string
	State    ThreadViewerState
}

func (self *ThreadViewer) Open(parentId string) {
	self.ParentId = parentId
	self.State = ThreadViewerOpening
}

func (self *ThreadViewer) Dismiss() {
	self.ParentId = ""
	self.State = ThreadViewerClosed
}

// Loaded moves `opening` to `open`. No effect in other states.
func (self *ThreadViewer) Loaded() {
	if self.State == ThreadViewerOpening {
		self.State = ThreadViewerOpen
	}
}

// Sync follows the load state of the viewed thread.
func (self *ThreadViewer) Sync(loadState LoadState) {
	switch loadState {
	case LoadStateLoaded:
		self.Loaded()
	}
}

func (self *ThreadViewer) IsClosed() bool {
	return self.State == "" || self.State == ThreadViewerClosed
}

type CommentView struct {
	Comment
	// muted rendering
	Pending bool
	// render with retry-or-discard
	Failed bool
}

type ThreadView struct {
	Parent  CommentView
	Answers []CommentView
	State   ThreadViewerState
	Loading bool
	// a non-fatal inline banner. The rest of the view stays.
	LoadError error
}

type View struct {
	ForumId string
	Feed    []CommentView
	// nil when no thread is open
	Thread *ThreadView
}

// Project derives the rendered view from store snapshots.
// Pure, with no side effects, so it can be recomputed on every store mutation.
// Entities with an in-flight delete are hidden.
func Project(forumId string, feed []Comment, thread *Thread, viewer ThreadViewer, answerOrder CommentOrder) *View {
	view := &View{
		ForumId: forumId,
		Feed:    projectComments(feed, CommentOrderNewestFirst, ""),
	}

	if viewer.IsClosed() || thread == nil {
		return view
	}

	parentId := viewer.ParentId
	if thread.Parent.Id != parentId || thread.Parent.Deleting {
		return view
	}

	view.Thread = &ThreadView{
		Parent:    commentView(thread.Parent),
		Answers:   projectComments(thread.Answers, answerOrder, parentId),
		State:     viewer.State,
		Loading:   thread.LoadState == LoadStateLoading,
		LoadError: thread.LoadError,
	}
	return view
}

// filters to `parentId` so that answers of one thread never leak into another
func projectComments(comments []Comment, order CommentOrder, parentId string) []CommentView {
	ordered := make([]Comment, 0, len(comments))
	for _, comment := range comments {
		if comment.Deleting {
			continue
		}
		if comment.ParentId != parentId {
			continue
		}
		ordered = append(ordered, comment)
	}
	OrderComments(ordered, order)

	views := make([]CommentView, 0, len(ordered))
	for _, comment := range ordered {
		views = append(views, commentView(comment))
	}
	return views
}

func commentView(comment Comment) CommentView {
	return CommentView{
		Comment: comment,
		Pending: comment.SyncState == SyncStatePending,
		Failed:  comment.SyncState == SyncStateFailed,
	}
}
