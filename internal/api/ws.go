package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"kiram-messaging/internal/chat"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Same-origin policy is enforced by the gateway in front of this
		// service.
		return true
	},
}

type messagesFrame struct {
	Type     string         `json:"type"`
	Messages []chat.Message `json:"messages,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type conversationsFrame struct {
	Type          string              `json:"type"`
	Conversations []chat.Conversation `json:"conversations,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// StreamMessages pushes the full ordered message list of a conversation over
// a websocket, once on connect and again on every change. Transient store
// errors arrive as error frames without closing the stream.
func (h Handler) StreamMessages(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	cancel, err := h.Engine.SubscribeMessages(c.Request.Context(), c.Param("id"),
		func(messages []chat.Message) {
			if err := conn.WriteJSON(messagesFrame{Type: "snapshot", Messages: messages}); err != nil {
				h.logWS("message snapshot write failed", err)
			}
		},
		func(err error) {
			if werr := conn.WriteJSON(messagesFrame{Type: "error", Error: err.Error()}); werr != nil {
				h.logWS("message error write failed", werr)
			}
		})
	if err != nil {
		h.logWS("message subscription failed", err)
		conn.Close()
		return
	}

	// Block until the peer goes away, then release the watch.
	readUntilClosed(conn)
	cancel()
	conn.Close()
}

// StreamConversations pushes the user's conversation list over a websocket on
// every change.
func (h Handler) StreamConversations(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	cancel, err := h.Engine.SubscribeConversations(c.Request.Context(), c.Param("id"),
		func(conversations []chat.Conversation) {
			if err := conn.WriteJSON(conversationsFrame{Type: "snapshot", Conversations: conversations}); err != nil {
				h.logWS("conversation snapshot write failed", err)
			}
		},
		func(err error) {
			if werr := conn.WriteJSON(conversationsFrame{Type: "error", Error: err.Error()}); werr != nil {
				h.logWS("conversation error write failed", werr)
			}
		})
	if err != nil {
		h.logWS("conversation subscription failed", err)
		conn.Close()
		return
	}

	readUntilClosed(conn)
	cancel()
	conn.Close()
}

func readUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h Handler) logWS(msg string, err error) {
	if h.Logger != nil {
		h.Logger.Debug(msg, "error", err)
	}
}
