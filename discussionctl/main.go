package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/bringyour/discussion/discussion"
)

const DiscussionCtlVersion = "0.0.1"

const defaultApiUrl = "https://api.bringyour.com"
const defaultConnectUrl = "wss://discussion.bringyour.com"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Discussion control.

The default urls are:
    api_url: https://api.bringyour.com
    connect_url: wss://discussion.bringyour.com

When --jwt is omitted the JWT is read from the terminal.

Usage:
    discussionctl forums [--api_url=<api_url>] [--jwt=<jwt>]
    discussionctl watch [--connect_url=<connect_url>] [--jwt=<jwt>] [--v=<level>]
        --forum=<forum_id>
        [--thread=<parent_id>]
        [--view_count=<view_count>]
    discussionctl post [--connect_url=<connect_url>] [--jwt=<jwt>] [--v=<level>]
        --forum=<forum_id>
        <body>
    discussionctl reply [--connect_url=<connect_url>] [--jwt=<jwt>] [--v=<level>]
        --forum=<forum_id>
        --parent=<parent_id>
        <body>
    discussionctl edit [--connect_url=<connect_url>] [--jwt=<jwt>] [--v=<level>]
        --forum=<forum_id>
        --id=<id>
        [--thread=<parent_id>]
        <body>
    discussionctl delete [--connect_url=<connect_url>] [--jwt=<jwt>] [--v=<level>]
        --forum=<forum_id>
        --id=<id>
        [--thread=<parent_id>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --api_url=<api_url>
    --connect_url=<connect_url>
    --jwt=<jwt>                  Your platform JWT.
    --v=<level>                  Log verbosity.
    --forum=<forum_id>
    --thread=<parent_id>         The thread to show, or the thread of the answer to change.
    --parent=<parent_id>         The comment to answer.
    --id=<id>                    The comment to change.
    --view_count=<view_count>    Print this many views then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DiscussionCtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if level, err := opts.String("--v"); err == nil {
		flag.Set("v", level)
	}

	if forums_, _ := opts.Bool("forums"); forums_ {
		forums(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if post_, _ := opts.Bool("post"); post_ {
		postComment(opts)
	} else if reply_, _ := opts.Bool("reply"); reply_ {
		replyComment(opts)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		editComment(opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		deleteComment(opts)
	}
}

func requireJwt(opts docopt.Opts) string {
	if jwt, err := opts.String("--jwt"); err == nil {
		return jwt
	}
	fmt.Print("Enter JWT: ")
	jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return strings.TrimSpace(string(jwtBytes))
}

func forums(opts docopt.Opts) {
	apiUrl, err := opts.String("--api_url")
	if err != nil {
		apiUrl = defaultApiUrl
	}
	jwt, _ := opts.String("--jwt")

	api := discussion.NewDiscussionApiWithDefaults(context.Background(), apiUrl)
	defer api.Close()
	api.SetJwt(jwt)

	result, err := api.GetForumsSync()
	if err != nil {
		Err.Printf("Could not list forums (%s).\n", err)
		os.Exit(1)
	}
	if result.Error != nil {
		Err.Printf("Could not list forums (%s).\n", result.Error.Message)
		os.Exit(1)
	}
	for _, forum := range result.Forums {
		Out.Printf("%s %s\n", forum.Id, forum.Title)
	}
}

// a client watching one forum, with a monitor that is notified on each view change
type session struct {
	ctx    context.Context
	cancel context.CancelFunc

	forumId string

	client  *discussion.DiscussionClient
	channel *discussion.WebsocketChannel
	monitor *discussion.Monitor

	release func()
}

func newSession(opts docopt.Opts) *session {
	jwt := requireJwt(opts)
	connectUrl, err := opts.String("--connect_url")
	if err != nil {
		connectUrl = defaultConnectUrl
	}
	forumId, _ := opts.String("--forum")

	identity, err := discussion.NewJwtIdentity(jwt)
	if err != nil {
		Err.Printf("Invalid JWT (%s).\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	channel := discussion.NewWebsocketChannelWithDefaults(ctx, connectUrl, jwt)
	client := discussion.NewDiscussionClientWithDefaults(ctx, channel, identity)
	monitor := discussion.NewMonitor()

	client.AddViewCallback(func(view *discussion.View) {
		monitor.NotifyAll()
	})
	channel.AddConnectionStateCallback(func(connected bool) {
		monitor.NotifyAll()
	})

	return &session{
		ctx:     ctx,
		cancel:  cancel,
		forumId: forumId,
		client:  client,
		channel: channel,
		monitor: monitor,
		release: client.WatchForum(forumId),
	}
}

// waits until the condition holds, re-checking on each view change
func (self *session) waitFor(timeout time.Duration, condition func() bool) bool {
	endTime := time.Now().Add(timeout)
	for {
		notify := self.monitor.NotifyChannel()
		if condition() {
			return true
		}
		remaining := endTime.Sub(time.Now())
		if remaining <= 0 {
			return false
		}
		select {
		case <-self.ctx.Done():
			return false
		case <-notify:
		case <-time.After(remaining):
		}
	}
}

func (self *session) waitForComment(id string, timeout time.Duration) bool {
	return self.waitFor(timeout, func() bool {
		view := self.client.View(self.forumId)
		for _, comment := range view.Feed {
			if comment.Id == id {
				return true
			}
		}
		if view.Thread != nil {
			for _, answer := range view.Thread.Answers {
				if answer.Id == id {
					return true
				}
			}
		}
		return false
	})
}

func (self *session) requireConnected() {
	if !self.waitFor(30*time.Second, self.channel.IsConnected) {
		Err.Printf("Could not connect.\n")
		os.Exit(1)
	}
}

func (self *session) Close() {
	self.release()
	self.client.Close()
	self.channel.Close()
	self.cancel()
}

func awaitAck(ack chan error) {
	select {
	case err := <-ack:
		if err == nil {
			Out.Printf("Confirmed.\n")
		} else {
			Err.Printf("Not confirmed (%s).\n", err)
			os.Exit(1)
		}
	case <-time.After(60 * time.Second):
		Err.Printf("Not confirmed (timeout).\n")
		os.Exit(1)
	}
}

func watch(opts docopt.Opts) {
	s := newSession(opts)
	defer s.Close()

	viewCount := -1
	if viewCount_, err := opts.Int("--view_count"); err == nil {
		viewCount = viewCount_
	}

	views := make(chan *discussion.View, 16)
	s.client.AddViewCallback(func(view *discussion.View) {
		select {
		case views <- view:
		default:
		}
	})
	s.client.AddMutationEventCallback(func(event *discussion.MutationEvent) {
		if event.Err != nil {
			Err.Printf("%s %s %s (%s)\n", event.Kind, event.LocalId, event.SyncState, event.Err)
		}
	})

	if parentId, err := opts.String("--thread"); err == nil {
		if !s.waitForComment(parentId, 30*time.Second) {
			Err.Printf("Comment %s not found.\n", parentId)
			os.Exit(1)
		}
		if err := s.client.OpenThread(parentId); err != nil {
			Err.Printf("Could not open thread (%s).\n", err)
			os.Exit(1)
		}
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	for i := 0; viewCount < 0 || i < viewCount; i += 1 {
		select {
		case <-signals:
			return
		case view := <-views:
			printView(view)
		}
	}
}

func printView(view *discussion.View) {
	Out.Printf("== %s (%d)\n", view.ForumId, len(view.Feed))
	for _, comment := range view.Feed {
		printComment("", comment)
	}
	if thread := view.Thread; thread != nil {
		Out.Printf("== thread %s (%s)\n", thread.Parent.Id, thread.State)
		if thread.LoadError != nil {
			Out.Printf("   ! %s\n", thread.LoadError)
		}
		for _, answer := range thread.Answers {
			printComment("   ", answer)
		}
	}
}

func printComment(indent string, comment discussion.CommentView) {
	var mark string
	switch {
	case comment.Failed:
		mark = "!"
	case comment.Pending:
		mark = "~"
	default:
		mark = " "
	}
	Out.Printf(
		"%s%s %s %s: %s\n",
		indent,
		mark,
		comment.CreatedAt.Format(time.RFC3339),
		comment.AuthorDisplayName,
		comment.Body,
	)
}

func postComment(opts docopt.Opts) {
	body, _ := opts.String("<body>")

	s := newSession(opts)
	defer s.Close()
	s.requireConnected()

	ack := make(chan error, 1)
	localId, err := s.client.CreateComment(s.forumId, body, func(err error) {
		ack <- err
	})
	if err != nil {
		Err.Printf("Could not post (%s).\n", err)
		os.Exit(1)
	}
	Out.Printf("Posted %s.\n", localId)
	awaitAck(ack)
}

func replyComment(opts docopt.Opts) {
	parentId, _ := opts.String("--parent")
	body, _ := opts.String("<body>")

	s := newSession(opts)
	defer s.Close()
	s.requireConnected()

	if !s.waitForComment(parentId, 30*time.Second) {
		Err.Printf("Comment %s not found.\n", parentId)
		os.Exit(1)
	}

	ack := make(chan error, 1)
	localId, err := s.client.CreateAnswer(parentId, body, func(err error) {
		ack <- err
	})
	if err != nil {
		Err.Printf("Could not reply (%s).\n", err)
		os.Exit(1)
	}
	Out.Printf("Replied %s.\n", localId)
	awaitAck(ack)
}

// loads the comment. Answers load with their thread.
func (self *session) requireComment(id string, parentId string) {
	if parentId != "" {
		if !self.waitForComment(parentId, 30*time.Second) {
			Err.Printf("Comment %s not found.\n", parentId)
			os.Exit(1)
		}
		if err := self.client.OpenThread(parentId); err != nil {
			Err.Printf("Could not open thread (%s).\n", err)
			os.Exit(1)
		}
	}
	if !self.waitForComment(id, 30*time.Second) {
		Err.Printf("Comment %s not found.\n", id)
		os.Exit(1)
	}
}

func editComment(opts docopt.Opts) {
	id, _ := opts.String("--id")
	parentId, _ := opts.String("--thread")
	body, _ := opts.String("<body>")

	s := newSession(opts)
	defer s.Close()
	s.requireConnected()
	s.requireComment(id, parentId)

	ack := make(chan error, 1)
	err := s.client.EditComment(id, body, func(err error) {
		ack <- err
	})
	if err != nil {
		Err.Printf("Could not edit (%s).\n", err)
		os.Exit(1)
	}
	awaitAck(ack)
}

func deleteComment(opts docopt.Opts) {
	id, _ := opts.String("--id")
	parentId, _ := opts.String("--thread")

	s := newSession(opts)
	defer s.Close()
	s.requireConnected()
	s.requireComment(id, parentId)

	ack := make(chan error, 1)
	err := s.client.DeleteComment(id, func(err error) {
		ack <- err
	})
	if err != nil {
		Err.Printf("Could not delete (%s).\n", err)
		os.Exit(1)
	}
	awaitAck(ack)
}
