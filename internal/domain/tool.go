package domain

import "context"

// Tool is a local action a ToolExecutor handler can run on the model's behalf.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, argument string) (string, error)
}
