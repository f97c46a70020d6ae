// Package rtid defines the identity types shared across the runtime: the
// stable actor uid and the per-RPC context id (cid) used to multiplex
// frames on a channel.
package rtid

import (
	"fmt"

	"github.com/google/uuid"
)

// UID is a process-local entity's stable identity: a human-chosen name plus
// a fresh unique token minted per spawn, so two instances of the same named
// actor are never confused.
type UID struct {
	Name       string `msgpack:"name"`
	InstanceID string `msgpack:"instance_id"`
}

// NewUID mints a fresh UID for the given name, generating a new v4 uuid
// instance id.
func NewUID(name string) UID {
	return UID{
		Name:       name,
		InstanceID: uuid.NewString(),
	}
}

// String returns a human-readable "name/instance_id" rendering with the
// instance id shortened for log output.
func (u UID) String() string {
	short := u.InstanceID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s/%s", u.Name, short)
}

// IsZero reports whether the UID is unset.
func (u UID) IsZero() bool {
	return u.Name == "" && u.InstanceID == ""
}

// CID is the context id scoped to a single RPC: every frame belonging to
// one conversation (request, reply chunks, terminal result, error, cancel)
// carries the same CID so the message loop can route it to the awaiting
// local task.
type CID struct {
	CallerUID      UID    `msgpack:"caller_uid"`
	ConversationID string `msgpack:"conversation_id"`
}

// NewCID mints a fresh CID rooted at the given caller.
func NewCID(caller UID) CID {
	return CID{
		CallerUID:      caller,
		ConversationID: uuid.NewString(),
	}
}

// MainConversationID is the well-known conversation id both sides of a
// parent channel use for the child's "main task", so no handshake round
// trip is needed to agree on it.
const MainConversationID = "main"

// MainCID is the main-task context for the given child actor.
func MainCID(child UID) CID {
	return CID{
		CallerUID:      child,
		ConversationID: MainConversationID,
	}
}

// String renders the CID as "caller_uid#conversation_id" for logging.
func (c CID) String() string {
	return fmt.Sprintf("%s#%s", c.CallerUID, c.ConversationID)
}
