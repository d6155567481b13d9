package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"kiram-messaging/internal/chat"
	"kiram-messaging/internal/service"
)

// Handler exposes the chat engine over HTTP and websocket.
type Handler struct {
	Engine *service.Engine
	Logger *slog.Logger
}

// NewRouter builds the gin router with all chat routes registered.
func NewRouter(h Handler, env string) *gin.Engine {
	if env != "dev" && env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/conversations", h.GetOrCreateConversation)
	router.GET("/conversations", h.ListConversations)
	router.GET("/conversations/:id", h.GetConversation)
	router.GET("/conversations/:id/messages", h.ListMessages)
	router.POST("/conversations/:id/messages", h.SendMessage)
	router.POST("/conversations/:id/read", h.MarkRead)
	router.POST("/conversations/:id/messages/:messageId/edit", h.EditMessage)
	router.POST("/conversations/:id/messages/:messageId/delete", h.DeleteMessage)

	router.GET("/ws/conversations/:id/messages", h.StreamMessages)
	router.GET("/ws/users/:id/conversations", h.StreamConversations)

	return router
}

// GetOrCreateConversation returns the single conversation for a participant
// pair, creating it on first contact.
func (h Handler) GetOrCreateConversation(c *gin.Context) {
	var req struct {
		UserA string `json:"user_a"`
		UserB string `json:"user_b"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	conv, err := h.Engine.GetOrCreateConversation(c.Request.Context(), req.UserA, req.UserB)
	if err != nil {
		h.respondError(c, err, "get or create conversation")
		return
	}
	c.JSON(http.StatusOK, conv)
}

// ListConversations returns every conversation containing the user.
func (h Handler) ListConversations(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	conversations, err := h.Engine.ListConversations(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err, "list conversations", "user_id", userID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": conversations})
}

// GetConversation fetches one conversation by its canonical key.
func (h Handler) GetConversation(c *gin.Context) {
	conv, err := h.Engine.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "load conversation", "conversation_id", c.Param("id"))
		return
	}
	c.JSON(http.StatusOK, conv)
}

// ListMessages returns the conversation's messages ascending by timestamp.
func (h Handler) ListMessages(c *gin.Context) {
	messages, err := h.Engine.ListMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "list messages", "conversation_id", c.Param("id"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": messages})
}

// SendMessage posts a message. JSON bodies may reference an already-uploaded
// attachment URL; multipart bodies carry the attachment bytes in the
// "attachment" part and are uploaded before the message is persisted.
func (h Handler) SendMessage(c *gin.Context) {
	req := service.SendRequest{ConversationID: c.Param("id")}

	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		req.SenderID = c.PostForm("sender_id")
		req.ReceiverID = c.PostForm("receiver_id")
		req.Content = c.PostForm("content")
		attachmentType, err := chat.ParseAttachmentType(c.PostForm("attachment_type"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown attachment type"})
			return
		}
		req.AttachmentType = attachmentType
		if file, err := c.FormFile("attachment"); err == nil {
			src, err := file.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read attachment"})
				return
			}
			defer src.Close()
			req.Attachment = src
		}
	} else {
		var body struct {
			SenderID       string `json:"sender_id"`
			ReceiverID     string `json:"receiver_id"`
			Content        string `json:"content"`
			AttachmentType string `json:"attachment_type"`
			AttachmentURL  string `json:"attachment_url"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		attachmentType, err := chat.ParseAttachmentType(body.AttachmentType)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown attachment type"})
			return
		}
		req.SenderID = body.SenderID
		req.ReceiverID = body.ReceiverID
		req.Content = body.Content
		req.AttachmentType = attachmentType
		req.AttachmentURL = body.AttachmentURL
	}

	msg, err := h.Engine.SendMessage(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err, "send message", "conversation_id", req.ConversationID, "sender_id", req.SenderID)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkRead marks one message read, or the whole conversation when no
// message_id is given.
func (h Handler) MarkRead(c *gin.Context) {
	var req struct {
		MessageID string `json:"message_id"`
		ReaderID  string `json:"reader_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	conversationID := c.Param("id")

	var err error
	if req.MessageID == "" {
		err = h.Engine.MarkConversationRead(c.Request.Context(), conversationID, req.ReaderID)
	} else {
		err = h.Engine.MarkMessageRead(c.Request.Context(), conversationID, req.MessageID, req.ReaderID)
	}
	if err != nil {
		h.respondError(c, err, "mark read", "conversation_id", conversationID, "reader_id", req.ReaderID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// EditMessage rewrites a message body and marks it edited.
func (h Handler) EditMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.Engine.EditMessage(c.Request.Context(), c.Param("id"), c.Param("messageId"), req.Content)
	if err != nil {
		h.respondError(c, err, "edit message", "conversation_id", c.Param("id"), "message_id", c.Param("messageId"))
		return
	}
	c.JSON(http.StatusOK, msg)
}

// DeleteMessage soft-deletes a message.
func (h Handler) DeleteMessage(c *gin.Context) {
	err := h.Engine.DeleteMessage(c.Request.Context(), c.Param("id"), c.Param("messageId"))
	if err != nil {
		h.respondError(c, err, "delete message", "conversation_id", c.Param("id"), "message_id", c.Param("messageId"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h Handler) respondError(c *gin.Context, err error, action string, attrs ...any) {
	if h.Logger != nil {
		h.Logger.Error("chat request failed", append([]any{"action", action, "error", err}, attrs...)...)
	}
	switch {
	case errors.Is(err, chat.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, chat.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrUploadFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "attachment upload failed"})
	case errors.Is(err, chat.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
