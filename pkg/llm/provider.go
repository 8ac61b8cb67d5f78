// Package llm abstracts the chat-completion providers used by browser agents.
//
// Providers stream StreamChunk values and know nothing about sessions or
// agent events. Wrappers in this package add a shared response cache
// (NewCachedProvider) and rate limiting with retry (NewLimitedProvider).
package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/entrhq/webpilot/pkg/types"
)

// ErrRateLimited is wrapped by providers when the API answers HTTP 429.
var ErrRateLimited = errors.New("rate limited")

// ContentType distinguishes reasoning output from the answer.
type ContentType string

const (
	ContentTypeMessage  ContentType = "message"
	ContentTypeThinking ContentType = "thinking"
)

// StreamChunk is one piece of a streamed completion.
type StreamChunk struct {
	Content  string
	Role     string
	Type     ContentType
	Finished bool
	Error    error
}

// IsError reports whether the chunk carries a stream error.
func (c *StreamChunk) IsError() bool {
	return c.Error != nil
}

// IsThinking reports whether the chunk is reasoning output.
func (c *StreamChunk) IsThinking() bool {
	return c.Type == ContentTypeThinking
}

// ModelCloner is implemented by providers that can cheaply retarget another
// model with the same credentials and transport.
type ModelCloner interface {
	CloneWithModel(model string) Provider
}

// Provider is a chat-completion backend.
type Provider interface {
	// StreamCompletion sends messages and streams back response chunks.
	// The channel is closed when the stream ends. Errors that prevent the
	// stream from starting are returned directly; later ones arrive as
	// chunks with Error set.
	StreamCompletion(ctx context.Context, messages []*types.Message) (<-chan *StreamChunk, error)

	// Complete returns the whole answer. Thinking output is dropped.
	Complete(ctx context.Context, messages []*types.Message) (*types.Message, error)

	// GetModelInfo describes the model in use.
	GetModelInfo() *types.ModelInfo

	// GetModel returns the model name.
	GetModel() string
}

// Collect drains a stream into an assistant message, dropping thinking chunks.
func Collect(stream <-chan *StreamChunk) (*types.Message, error) {
	var content strings.Builder
	var err error
	for chunk := range stream {
		if chunk.IsError() {
			if err == nil {
				err = chunk.Error
			}
			continue
		}
		if chunk.IsThinking() {
			continue
		}
		content.WriteString(chunk.Content)
	}
	if err != nil {
		return nil, err
	}
	return types.NewAssistantMessage(content.String()), nil
}
