package dispatcher

import (
	"regexp"
	"strings"
)

// turnPath is the processing route chosen for a message.
type turnPath string

const (
	pathFast     turnPath = "fast"
	pathPlanning turnPath = "planning"
)

// Classification is a latency optimization, not a correctness boundary:
// both paths run the same guard checks. Thresholds here are tunable
// policy.
var (
	greetingPattern = regexp.MustCompile(`(?i)^\s*(hi|hiya|hello|hey|yo|sup|thanks|thank you|thx|ok|okay|cool|got it|bye|goodbye|see you|good (morning|afternoon|evening|night))[\s.!?]*$`)

	taskKeywords = []string{
		"search", "find", "look up", "lookup", "research",
		"calculate", "compute", "convert", "sum",
		"schedule", "remind", "book", "plan a", "organize",
		"email", "send", "message", "notify", "call",
		"create", "make", "build", "write", "generate", "draft", "compose",
	}
)

// classify picks the route for a message: canonical greetings force the
// fast path, task-intent keywords force planning, everything else
// defaults to fast.
func classify(input string) turnPath {
	if greetingPattern.MatchString(input) {
		return pathFast
	}
	lower := strings.ToLower(input)
	for _, keyword := range taskKeywords {
		if strings.Contains(lower, keyword) {
			return pathPlanning
		}
	}
	return pathFast
}
