package service

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"kiram-messaging/internal/chat"
)

// Object key prefix for message attachments.
const attachmentPrefix = "message_attachments"

var attachmentContentTypes = map[chat.AttachmentType]string{
	chat.AttachmentPhoto:    "image/jpeg",
	chat.AttachmentDocument: "application/pdf",
	chat.AttachmentVideo:    "video/mp4",
}

// UploadAttachment transfers attachment bytes to object storage under a
// filename scoped to the conversation and returns the durable retrieval URL.
// Uploading with attachment type none is a contract violation; a rejected
// transfer yields ErrUploadFailed and nothing is persisted.
func (e *Engine) UploadAttachment(ctx context.Context, conversationID string, attachmentType chat.AttachmentType, source io.Reader) (string, error) {
	if conversationID == "" {
		return "", fmt.Errorf("conversation id is required: %w", chat.ErrInvalidArgument)
	}
	ext, err := attachmentType.Extension()
	if err != nil {
		return "", err
	}
	if source == nil {
		return "", fmt.Errorf("attachment byte source is required: %w", chat.ErrInvalidArgument)
	}

	key := fmt.Sprintf("%s/%s_%s.%s", attachmentPrefix, conversationID, uuid.NewString(), ext)
	url, err := e.uploader.Upload(ctx, key, source, attachmentContentTypes[attachmentType])
	if err != nil {
		return "", fmt.Errorf("upload %s attachment: %v: %w", attachmentType, err, chat.ErrUploadFailed)
	}
	return url, nil
}
