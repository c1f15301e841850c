package domain

// Capability names the operations a principal may perform. The set is computed
// upstream (role mapping here is the default); handlers only check membership.
type Capability string

const (
	CapConversationStart Capability = "conversation.start"
	CapConversationRead  Capability = "conversation.read"
	CapMessageSend       Capability = "message.send"
	CapStreamCancel      Capability = "stream.cancel"
	CapToolRequest       Capability = "tool.request"
	CapToolApprove       Capability = "tool.approve"
	CapToolExecute       Capability = "tool.execute"
	CapToolList          Capability = "tool.list"
)

// CapabilitySet is a pre-computed permission set.
type CapabilitySet map[Capability]bool

// Has reports whether the capability is present.
func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// Principal identifies the caller of a command.
type Principal struct {
	Role         Role
	Subject      string
	Capabilities CapabilitySet
}

// Can reports whether the principal holds the capability.
func (p Principal) Can(c Capability) bool { return p.Capabilities.Has(c) }

// DefaultCapabilities returns the standard capability set for a role.
func DefaultCapabilities(role Role) CapabilitySet {
	base := CapabilitySet{
		CapConversationStart: true,
		CapConversationRead:  true,
		CapMessageSend:       true,
		CapStreamCancel:      true,
		CapToolRequest:       true,
		CapToolExecute:       true,
		CapToolList:          true,
	}
	if role.Privileged() {
		base[CapToolApprove] = true
	}
	return base
}
