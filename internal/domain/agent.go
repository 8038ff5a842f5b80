package domain

import "context"

// Handler is a capability that turns a text input into a text response.
// Process never fails: any internal failure is reported in the returned text.
type Handler interface {
	Process(ctx context.Context, input string) string
	Category() Category
}

// RoutingDecision is the router's verdict for one input.
type RoutingDecision struct {
	Category Category `json:"category"`
	Query    string   `json:"query"`
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc struct {
	Cat Category
	Fn  func(ctx context.Context, input string) string
}

func (h HandlerFunc) Process(ctx context.Context, input string) string { return h.Fn(ctx, input) }
func (h HandlerFunc) Category() Category                               { return h.Cat }
