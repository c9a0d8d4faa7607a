// Package moderation screens chat text before relay. The filter is
// consulted on the chat path only and never on the state-update path.
package moderation

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cloudflare/ahocorasick"
	"go.uber.org/zap"
)

// Result is a filter verdict. Reason is set only when blocked.
type Result struct {
	Allowed bool
	Reason  string
}

// Filter screens one chat message.
type Filter interface {
	Check(text string) Result
}

// AllowAll is the filter used when no word list is configured.
type AllowAll struct{}

func (AllowAll) Check(string) Result { return Result{Allowed: true} }

// WordFilter blocks messages containing listed words. List entries are
// substring matches by default; an entry wrapped as !!word!! matches
// whole words only, so "class" survives a list containing !!ass!!.
// The list can be reloaded at runtime without dropping traffic.
type WordFilter struct {
	path   string
	logger *zap.Logger

	mu        sync.RWMutex
	substring *ahocorasick.Matcher
	wholeWord map[string]struct{}
	patterns  int
}

// NewWordFilter loads the word list at path.
func NewWordFilter(path string, logger *zap.Logger) (*WordFilter, error) {
	f := &WordFilter{path: path, logger: logger}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the word list from disk and swaps it in atomically.
// In-flight Check calls finish against the old list.
func (f *WordFilter) Reload() error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("opening word list: %w", err)
	}
	defer file.Close()

	var substrings []string
	wholeWord := make(map[string]struct{})

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "!!") && strings.HasSuffix(line, "!!") && len(line) > 4 {
			wholeWord[line[2:len(line)-2]] = struct{}{}
			continue
		}
		substrings = append(substrings, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading word list: %w", err)
	}

	var matcher *ahocorasick.Matcher
	if len(substrings) > 0 {
		matcher = ahocorasick.NewStringMatcher(substrings)
	}

	f.mu.Lock()
	f.substring = matcher
	f.wholeWord = wholeWord
	f.patterns = len(substrings) + len(wholeWord)
	f.mu.Unlock()

	f.logger.Info("word list loaded",
		zap.String("path", f.path),
		zap.Int("substring_patterns", len(substrings)),
		zap.Int("whole_word_patterns", len(wholeWord)),
	)
	return nil
}

// Check screens one message against the current list.
func (f *WordFilter) Check(text string) Result {
	f.mu.RLock()
	matcher := f.substring
	wholeWord := f.wholeWord
	f.mu.RUnlock()

	lowered := strings.ToLower(text)
	if matcher != nil && len(matcher.Match([]byte(lowered))) > 0 {
		return Result{Reason: "blocked word"}
	}
	if len(wholeWord) > 0 {
		for _, word := range strings.FieldsFunc(lowered, isWordBreak) {
			if _, hit := wholeWord[word]; hit {
				return Result{Reason: "blocked word"}
			}
		}
	}
	return Result{Allowed: true}
}

func isWordBreak(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return false
	case r >= '0' && r <= '9':
		return false
	}
	return true
}
