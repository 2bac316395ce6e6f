package research

import "context"

// StateStore is the persistence boundary for conversation state. The
// engine funnels every mutation through this interface; implementations
// live in internal/statestore.
type StateStore interface {
	Get(ctx context.Context, id string) (*ConversationState, error)
	Update(ctx context.Context, state *ConversationState) error
}
