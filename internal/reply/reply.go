// Package reply produces the decoy agent's conversational responses.
//
// The engine depends only on the Generator interface. The contract is strict:
// a generator always returns a usable reply string and never fails outward.
// Service-backed generators must degrade to a local fallback on any error,
// because a missing reply would stall the engagement and tip off the
// counterpart.
package reply

import (
	"context"
	"math/rand"
	"sync"

	"github.com/decoyworks/lure/internal/session"
)

// HistoryWindow is how many recent history entries a generator receives
// for context.
const HistoryWindow = 5

// Persona is the system prompt for service-backed generators. The decoy
// plays an ordinary, slightly cautious person to keep the counterpart
// talking and revealing.
const Persona = `You are an ordinary person who received a suspicious message about banking or money.
You don't suspect fraud yet, but you're cautious. Respond naturally and briefly (1-2 sentences).
Ask questions to understand better. Keep conversation going. Act like a real human.`

// Generator produces a reply to an inbound message given bounded history.
type Generator interface {
	Generate(ctx context.Context, text string, history []session.Message) string
}

// cannedReplies are the local fallback responses. Vague, curious, and
// stalling: they invite the counterpart to explain more.
var cannedReplies = []string{
	"I'm not sure about that. Can you explain more clearly?",
	"That sounds unusual. Why would you need my bank details?",
	"I'm confused. Could you tell me more about this offer?",
	"This seems suspicious. What exactly are you trying to do?",
	"I don't understand. Can you provide more information?",
	"That's interesting. How does this work exactly?",
	"I need to think about this. Give me more details.",
	"Why should I trust you with this information?",
}

// Canned is the local fallback generator. It ignores the message and
// history and picks a random stalling reply.
type Canned struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewCanned creates a canned-reply generator seeded with seed.
func NewCanned(seed int64) *Canned {
	return &Canned{rng: rand.New(rand.NewSource(seed))}
}

func (c *Canned) Generate(_ context.Context, _ string, _ []session.Message) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cannedReplies[c.rng.Intn(len(cannedReplies))]
}

var _ Generator = (*Canned)(nil)
