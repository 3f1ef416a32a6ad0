package transport

import (
	"context"

	"github.com/pkg/errors"

	"github.com/matst80/factcheck/internal/proto"
)

// RequestUploadURL asks the service for a write credential for one object.
func (c *Channel) RequestUploadURL(ctx context.Context, filename, contentType string) (*proto.PresignedURL, error) {
	resp, err := c.Call(ctx, proto.Request{Action: proto.ActionCreatePresignedURL, Filename: filename, ContentType: contentType})
	if err != nil {
		return nil, errors.Wrap(err, "request upload url")
	}
	if resp.PresignedURLData == nil || resp.PresignedURLData.URL == "" {
		msg := resp.Error
		if msg == "" {
			msg = "failed to get presigned URL"
		}
		return nil, &RemoteError{Status: resp.Status, Message: msg}
	}
	return resp.PresignedURLData, nil
}

// Verify submits prompt, either free text or an s3:// object reference, for analysis.
func (c *Channel) Verify(ctx context.Context, prompt string) (*proto.VerificationResult, error) {
	resp, err := c.Call(ctx, proto.Request{Action: proto.ActionVerify, Prompt: prompt})
	if err != nil {
		return nil, errors.Wrap(err, "verify")
	}
	if resp.Status == proto.StatusVerificationCompleted && resp.Result != nil {
		return resp.Result, nil
	}
	msg := resp.Error
	if msg == "" {
		msg = "verification failed"
	}
	return nil, &RemoteError{Status: resp.Status, Message: msg}
}
