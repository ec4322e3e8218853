package history

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrPersist marks a turn that was recorded in memory but could not be
// written to the durable store.
var ErrPersist = errors.New("persist turns")

// Conversation is the ordered list of turns for one session. It is not safe
// for concurrent use; Manager hands it out under the session lock.
type Conversation struct {
	key      string
	turns    []Turn
	store    Store
	maxTurns int
	now      func() time.Time
}

func (c *Conversation) Key() string { return c.key }

func (c *Conversation) Len() int { return len(c.turns) }

// Turns returns a copy of every recorded turn.
func (c *Conversation) Turns() []Turn {
	return append([]Turn(nil), c.turns...)
}

// FormattedHistory renders the most recent turns one per line as
// "User: ..." / "Assistant: ...". It returns "" for an empty conversation.
func (c *Conversation) FormattedHistory() string {
	turns := c.turns
	if c.maxTurns > 0 && len(turns) > c.maxTurns {
		turns = turns[len(turns)-c.maxTurns:]
	}
	lines := make([]string, len(turns))
	for i, turn := range turns {
		lines[i] = turn.String()
	}
	return strings.Join(lines, "\n")
}

func (c *Conversation) AppendUser(ctx context.Context, text string) error {
	return c.append(ctx, c.turn(RoleUser, text))
}

// AppendAssistant records only the answer text of a reply.
func (c *Conversation) AppendAssistant(ctx context.Context, answer string) error {
	return c.append(ctx, c.turn(RoleAssistant, answer))
}

// AppendExchange records a question and its answer with a single store
// write so a crash cannot leave the user turn without its reply.
func (c *Conversation) AppendExchange(ctx context.Context, question, answer string) error {
	return c.append(ctx, c.turn(RoleUser, question), c.turn(RoleAssistant, answer))
}

func (c *Conversation) turn(role Role, content string) Turn {
	return Turn{Role: role, Content: content, CreatedAt: c.now().UTC()}
}

// append always updates the in-memory turns. A store failure is returned
// wrapped in ErrPersist.
func (c *Conversation) append(ctx context.Context, turns ...Turn) error {
	c.turns = append(c.turns, turns...)
	if c.store == nil {
		return nil
	}
	if err := c.store.Append(ctx, c.key, turns...); err != nil {
		return errors.Join(ErrPersist, err)
	}
	return nil
}
