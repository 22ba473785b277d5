package engine

import (
	"context"

	"github.com/google/uuid"

	"lockbridge/internal/domain"
)

// Local invokes channels in-process under a fixed actor. It satisfies the
// same Invoke signature as the SDK client, so repositories can run against
// either.
type Local struct {
	Engine  Engine
	ActorID string
	// Modules are added to every request's required modules.
	Modules []string
}

func (l Local) Invoke(ctx context.Context, channel string, args ...any) (domain.Outcome, error) {
	actor := l.ActorID
	if actor == "" {
		actor = "local-user"
	}
	return l.Engine.Invoke(ctx, domain.Request{
		ID:              uuid.NewString(),
		Channel:         channel,
		Args:            args,
		RequiresModules: l.Modules,
	}, actor)
}
