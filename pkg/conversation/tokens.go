package conversation

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	tokenEncoder *tiktoken.Tiktoken
	encoderOnce  sync.Once
	encoderErr   error
)

func initTokenEncoder() error {
	encoderOnce.Do(func() {
		// cl100k_base covers the OpenAI-compatible chat models
		tokenEncoder, encoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	return encoderErr
}

// CountTokens counts the number of tokens in a text using tiktoken
func CountTokens(text string) int {
	if err := initTokenEncoder(); err != nil {
		return estimateTokens(text)
	}
	return len(tokenEncoder.Encode(text, nil, nil))
}

func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// CountTurnTokens approximates the prompt size of a turn, including tool blocks.
func CountTurnTokens(t Turn) int {
	// per-message overhead
	total := 4
	for _, b := range t.Blocks {
		switch b.Type {
		case BlockText:
			total += CountTokens(b.Text)
		case BlockInvocation:
			args, _ := json.Marshal(b.Arguments)
			total += CountTokens(b.Tool) + CountTokens(string(args))
		case BlockOutcome:
			var data []byte
			if b.Failure != nil {
				data, _ = json.Marshal(b.Failure)
			} else {
				data, _ = json.Marshal(b.Payload)
			}
			total += CountTokens(string(data))
		}
	}
	return total
}

// TokenCount returns the approximate token size of the whole history.
func (s *Store) TokenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 2
	for _, t := range s.turns {
		total += CountTurnTokens(t)
	}
	return total
}
