package discussion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-playground/assert/v2"
)

// a server that answers `comments:fetch` with a one comment snapshot
// and drops the connection on `test:close`
func newTestDiscussionServer(authorizations chan string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case authorizations <- r.Header.Get("Authorization"):
		default:
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		for {
			_, messageBytes, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var message channelMessage
			if err := json.Unmarshal(messageBytes, &message); err != nil {
				return
			}
			if message.Event == "test:close" {
				return
			}
			if message.Event != EventCommentsFetch {
				continue
			}
			var args FetchCommentsArgs
			if err := json.Unmarshal(message.Payload, &args); err != nil {
				return
			}
			payload, _ := json.Marshal(&CommentsSnapshot{
				ForumId: args.ForumId,
				Comments: []*CommentRecord{
					{Id: "c1", ForumId: args.ForumId, AuthorId: "u2", Body: "hola"},
				},
			})
			reply, _ := json.Marshal(&channelMessage{
				Event:   EventCommentsSnapshot,
				Payload: payload,
			})
			if err := ws.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}))
}

func TestWebsocketChannel(t *testing.T) {
	authorizations := make(chan string, 4)
	server := newTestDiscussionServer(authorizations)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultWebsocketChannelSettings()
	settings.ReconnectTimeout = 50 * time.Millisecond
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	channel := NewWebsocketChannel(ctx, url, "test-jwt", settings)
	defer channel.Close()

	err := channel.Emit(EventCommentsFetch, &FetchCommentsArgs{ForumId: "f1"})
	assert.Equal(t, errors.Is(err, ErrChannelUnavailable), true)

	connected := make(chan bool, 4)
	channel.AddConnectionStateCallback(func(c bool) {
		connected <- c
	})
	snapshots := make(chan *CommentsSnapshot, 4)
	remove := channel.On(EventCommentsSnapshot, func(payload json.RawMessage) {
		var snapshot CommentsSnapshot
		if err := json.Unmarshal(payload, &snapshot); err == nil {
			snapshots <- &snapshot
		}
	})
	defer remove()

	channel.Connect()
	// connecting twice has no effect
	channel.Connect()

	select {
	case c := <-connected:
		assert.Equal(t, c, true)
	case <-time.After(5 * time.Second):
		t.Fatal("not connected")
	}
	assert.Equal(t, <-authorizations, "Bearer test-jwt")
	assert.Equal(t, channel.IsConnected(), true)

	err = channel.Emit(EventCommentsFetch, &FetchCommentsArgs{ForumId: "f1"})
	assert.Equal(t, err, nil)

	select {
	case snapshot := <-snapshots:
		assert.Equal(t, snapshot.ForumId, "f1")
		assert.Equal(t, len(snapshot.Comments), 1)
		assert.Equal(t, snapshot.Comments[0].Id, "c1")
		assert.Equal(t, snapshot.Comments[0].Body, "hola")
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot")
	}

	channel.Disconnect()
	select {
	case c := <-connected:
		assert.Equal(t, c, false)
	case <-time.After(5 * time.Second):
		t.Fatal("not disconnected")
	}
	assert.Equal(t, channel.IsConnected(), false)

	err = channel.Emit(EventCommentsFetch, &FetchCommentsArgs{ForumId: "f1"})
	assert.Equal(t, errors.Is(err, ErrChannelUnavailable), true)
}

func TestWebsocketChannelReconnect(t *testing.T) {
	authorizations := make(chan string, 4)
	server := newTestDiscussionServer(authorizations)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultWebsocketChannelSettings()
	settings.ReconnectTimeout = 50 * time.Millisecond
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	channel := NewWebsocketChannel(ctx, url, "", settings)
	defer channel.Close()

	connected := make(chan bool, 8)
	channel.AddConnectionStateCallback(func(c bool) {
		connected <- c
	})

	channel.Connect()
	select {
	case c := <-connected:
		assert.Equal(t, c, true)
	case <-time.After(5 * time.Second):
		t.Fatal("not connected")
	}
	assert.Equal(t, <-authorizations, "")

	// the server drops the connection
	err := channel.Emit("test:close", nil)
	assert.Equal(t, err, nil)

	select {
	case c := <-connected:
		assert.Equal(t, c, false)
	case <-time.After(5 * time.Second):
		t.Fatal("not disconnected")
	}
	select {
	case c := <-connected:
		assert.Equal(t, c, true)
	case <-time.After(5 * time.Second):
		t.Fatal("not reconnected")
	}
}
