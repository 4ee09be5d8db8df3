package dispatcher

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	// minSubstantiveLength is the shortest message that can name a
	// session without a question or task signal.
	minSubstantiveLength = 12

	// smallTalkOverrideLength lets a long message name the session even
	// when it opens like small talk.
	smallTalkOverrideLength = 40

	nameSystemPrompt = "Generate a very short title (3-6 words) for a conversation " +
		"that starts with the given message. Reply with the title only, no quotes."
)

var (
	smallTalkPattern = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|yo|thanks|thank you|ok|okay|bye|goodbye|good (morning|afternoon|evening)|how are you)\b`)

	questionWords = []string{"how", "what", "why", "when", "where", "who", "which", "can", "could", "should", "would", "?"}

	taskWords = []string{"help", "need", "want", "reset", "fix", "setup", "set up", "configure", "install", "create", "find", "schedule", "plan"}

	stopWords = map[string]bool{
		"a": true, "an": true, "the": true, "i": true, "my": true, "me": true,
		"is": true, "are": true, "was": true, "to": true, "of": true, "in": true,
		"on": true, "for": true, "and": true, "or": true, "do": true, "does": true,
		"how": true, "what": true, "can": true, "you": true, "please": true,
		"about": true, "with": true, "it": true, "this": true, "that": true,
	}
)

// substantive reports whether a first message carries enough signal to
// derive a session name from.
func substantive(input string) bool {
	trimmed := strings.TrimSpace(input)
	if len(trimmed) < minSubstantiveLength {
		return hasTaskSignal(trimmed)
	}
	if smallTalkPattern.MatchString(trimmed) {
		return hasTaskSignal(trimmed) || len(trimmed) > smallTalkOverrideLength
	}
	return true
}

func hasTaskSignal(input string) bool {
	lower := strings.ToLower(input)
	for _, word := range questionWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	for _, word := range taskWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// maybeNameSession derives and persists a display name for sessions
// that do not have one yet. Best-effort: failures are logged and never
// affect the turn.
func (d *Dispatcher) maybeNameSession(ctx context.Context, sessionID, input string) {
	session, err := d.store.Sessions.Get(ctx, sessionID)
	if err != nil {
		d.warn(ctx, "session lookup for naming failed", "error", err.Error())
		return
	}
	if session.Name() != "" {
		return
	}
	if !substantive(input) {
		return
	}

	name := d.generateName(ctx, input)
	if name == "" {
		return
	}
	name = truncateName(name, d.nameMaxLength)

	if err := d.store.Sessions.UpdateMetadata(ctx, sessionID, map[string]string{models.MetadataKeyName: name}); err != nil {
		d.warn(ctx, "session name persist failed", "error", err.Error())
		return
	}

	d.registry.Broadcast(sessionID, &models.TurnEvent{
		Type:      models.EventSessionNameUpdated,
		SessionID: sessionID,
		Text:      name,
		Time:      time.Now(),
	})
}

// generateName asks the provider for a title and falls back to keyword
// extraction on any failure.
func (d *Dispatcher) generateName(ctx context.Context, input string) string {
	if d.provider != nil {
		ctx, cancel := context.WithTimeout(ctx, d.providerTimeout)
		defer cancel()
		title, err := d.provider.Complete(ctx, &providers.Request{
			System:    nameSystemPrompt,
			Messages:  []providers.Message{{Role: "user", Content: input}},
			MaxTokens: 32,
		})
		if err == nil {
			if cleaned := cleanTitle(title); cleaned != "" {
				return cleaned
			}
		} else {
			d.warn(ctx, "name generation failed, using keyword fallback", "error", err.Error())
		}
	}
	return keywordName(input)
}

func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, `"'`)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	return strings.TrimSpace(title)
}

// keywordName strips stop-words and title-cases the first few remaining
// tokens.
func keywordName(input string) string {
	fields := strings.Fields(strings.ToLower(input))
	var kept []string
	for _, field := range fields {
		word := strings.Trim(field, `.,!?;:"'`)
		if word == "" || stopWords[word] {
			continue
		}
		kept = append(kept, titleCase(word))
		if len(kept) == 4 {
			break
		}
	}
	return strings.Join(kept, " ")
}

func titleCase(word string) string {
	if word == "" {
		return word
	}
	return strings.ToUpper(word[:1]) + word[1:]
}

func truncateName(name string, limit int) string {
	if limit <= 0 || len(name) <= limit {
		return name
	}
	if limit <= 3 {
		return name[:limit]
	}
	return name[:limit-3] + "..."
}
