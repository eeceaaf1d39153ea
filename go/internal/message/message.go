// Package message defines the submitted record and its validity predicate.
//
// A message is valid when its checksum equals agentId+x+y and its payload sits
// inside the accepted ranges with y strictly above x. Agent 0 is a wildcard:
// its messages are valid whatever the payload. That exemption is policy, not an
// oversight, and an exempt message counts as valid everywhere downstream.
package message

import "veriBatch/go/internal/provable"

const (
	MaxAgentID uint64 = 3000
	MaxX       uint64 = 15000
	MinY       uint64 = 5000
	MaxY       uint64 = 20000

	// WildcardAgent exempts a message from every rule.
	WildcardAgent uint64 = 0
)

// Message is immutable once built; pass it by value.
type Message struct {
	AgentID  uint64 `json:"agent_id"`
	X        uint64 `json:"x"`
	Y        uint64 `json:"y"`
	Checksum uint64 `json:"checksum"`
}

// Submission pairs a message with the sequence id it is folded under.
type Submission struct {
	MessageID uint64  `json:"message_id"`
	Message   Message `json:"message"`
}

// Report is the outcome of every rule for one message.
type Report struct {
	Checksum   bool `json:"checksum"`
	AgentRange bool `json:"agent_range"`
	XRange     bool `json:"x_range"`
	YRange     bool `json:"y_range"`
	Lock       bool `json:"lock"`
	Exempt     bool `json:"exempt"`
	Valid      bool `json:"valid"`
}

type rules struct {
	checksum, agent, x, y, lock, exempt provable.Bool
}

// evaluate computes every rule unconditionally.
func (m Message) evaluate() rules {
	sum, fits := provable.Sum3(m.AgentID, m.X, m.Y)
	return rules{
		// an overflowing sum never matches
		checksum: provable.Eq(m.Checksum, sum).And(fits),
		agent:    provable.Lte(m.AgentID, MaxAgentID),
		x:        provable.Lte(m.X, MaxX),
		y:        provable.Gte(m.Y, MinY).And(provable.Lte(m.Y, MaxY)),
		lock:     provable.Gt(m.Y, m.X),
		exempt:   provable.Eq(m.AgentID, WildcardAgent),
	}
}

func (r rules) valid() provable.Bool {
	return r.exempt.Or(provable.All(r.checksum, r.agent, r.x, r.y, r.lock))
}

// Valid is the predicate as a provable.Bool, for callers that keep selecting
// without branches.
func (m Message) Valid() provable.Bool {
	return m.evaluate().valid()
}

// IsValid reports whether the message passes the predicate. It has no side
// effects and is total over the 64-bit domain.
func (m Message) IsValid() bool {
	return m.Valid().Bool()
}

// Check reports each rule separately.
func (m Message) Check() Report {
	r := m.evaluate()
	return Report{
		Checksum:   r.checksum.Bool(),
		AgentRange: r.agent.Bool(),
		XRange:     r.x.Bool(),
		YRange:     r.y.Bool(),
		Lock:       r.lock.Bool(),
		Exempt:     r.exempt.Bool(),
		Valid:      r.valid().Bool(),
	}
}

// WithChecksum returns a copy whose checksum is agentId+x+y.
func (m Message) WithChecksum() Message {
	m.Checksum = m.AgentID + m.X + m.Y
	return m
}
