package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type plainGen struct{}

func (plainGen) Generate(_ context.Context, p string) (string, error) { return "filtered:" + p, nil }

type rawGen struct{ plainGen }

func (rawGen) GenerateUnfiltered(_ context.Context, p string) (string, error) { return "raw:" + p, nil }

func TestGenerateUnfiltered(t *testing.T) {
	ctx := context.Background()

	out, err := GenerateUnfiltered(ctx, plainGen{}, "x")
	require.NoError(t, err)
	assert.Equal(t, "filtered:x", out)

	out, err = GenerateUnfiltered(ctx, rawGen{}, "x")
	require.NoError(t, err)
	assert.Equal(t, "raw:x", out)
}

func TestHandlerFunc(t *testing.T) {
	h := HandlerFunc{Cat: CategoryCasual, Fn: func(_ context.Context, in string) string { return "echo " + in }}
	assert.Equal(t, CategoryCasual, h.Category())
	assert.Equal(t, "echo hi", h.Process(context.Background(), "hi"))
}
