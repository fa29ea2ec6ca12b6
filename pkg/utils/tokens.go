// Package utils provides shared helpers for the geoassist services.
package utils

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens for a specific model so the agent can keep
// conversation history inside a budget.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
	mu       sync.RWMutex
}

// CountableMessage is the minimal shape token counting needs.
type CountableMessage struct {
	Role    string
	Content string
}

var (
	// Encodings are expensive to build, so share them per model.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter creates a counter for the given model, falling back to
// cl100k_base when the model is unknown to tiktoken.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens across a message list, including the
// per-message and reply-priming overhead of the chat format.
func (tc *TokenCounter) CountMessages(messages []CountableMessage) int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	// <|start|>role|message<|end|>
	tokensPerMessage := 3

	totalTokens := 0
	for _, msg := range messages {
		totalTokens += tokensPerMessage
		totalTokens += len(tc.encoding.Encode(msg.Role, nil, nil))
		totalTokens += len(tc.encoding.Encode(msg.Content, nil, nil))
	}

	// Every reply is primed with <|start|>assistant<|message|>
	totalTokens += 3

	return totalTokens
}

// FitWithinLimit returns the suffix of messages that fits within maxTokens,
// selecting from most recent backwards.
func (tc *TokenCounter) FitWithinLimit(messages []CountableMessage, maxTokens int) []CountableMessage {
	if len(messages) == 0 {
		return messages
	}

	fitted := []CountableMessage{}
	currentTokens := 3 // reply priming

	for i := len(messages) - 1; i >= 0; i-- {
		msgTokens := tc.CountMessages([]CountableMessage{messages[i]})
		if currentTokens+msgTokens > maxTokens {
			break
		}
		fitted = append([]CountableMessage{messages[i]}, fitted...)
		currentTokens += msgTokens
	}

	return fitted
}

// Model returns the model name this counter was built for.
func (tc *TokenCounter) Model() string {
	return tc.model
}
