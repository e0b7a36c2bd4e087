package context

import (
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeshanziya/rhdh/internal/config"
)

func TestContext(t *testing.T) {
	assert.Nil(t, FromContext(t.Context()))

	settings := &config.Settings{MaxEntrySize: 10}
	ctx := WithSettings(t.Context(), settings)
	ctx = WithWorkingDirectory(ctx, "/opt/app-root/src")
	ctx = WithTempFolder(ctx, "/tmp")

	c := FromContext(ctx)
	require.NotNil(t, c)
	assert.Same(t, settings, c.Settings())
	assert.Equal(t, "/opt/app-root/src", c.WorkingDirectory())
	assert.Equal(t, "/tmp", c.TempFolder())
}

func TestNilContext(t *testing.T) {
	var c *Context
	assert.Nil(t, c.Settings())
	assert.Empty(t, c.WorkingDirectory())
	assert.Empty(t, c.TempFolder())
}

func TestRegister(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	Register(cmd)
	c := FromContext(cmd.Context())
	require.NotNil(t, c)

	Register(cmd)
	assert.Same(t, c, FromContext(cmd.Context()), "registering twice keeps the context")
}
