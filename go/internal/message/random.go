package message

import "math/rand/v2"

// RandomValid draws a message that passes every rule.
func RandomValid(r *rand.Rand) Message {
	x := r.Uint64N(MaxX + 1)
	lo := max(x+1, MinY)
	m := Message{
		AgentID: r.Uint64N(MaxAgentID + 1),
		X:       x,
		Y:       lo + r.Uint64N(MaxY-lo+1),
	}
	return m.WithChecksum()
}

// RandomInvalid draws a message from a non-wildcard agent whose checksum is
// wrong, so no exemption can rescue it.
func RandomInvalid(r *rand.Rand) Message {
	m := RandomValid(r)
	m.AgentID = 1 + r.Uint64N(MaxAgentID)
	m.Checksum = m.AgentID
	return m
}
