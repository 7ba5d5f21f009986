package calnotify_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mashiike/calnotify"
	"github.com/mashiike/calnotify/pkg/calnotifyevent"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	ctx := context.Background()
	env, err := calnotify.NewCELEnv()
	require.NoError(t, err)

	cfg, err := calnotify.LoadConfig(ctx, "testdata/config.yaml")
	require.NoError(t, err)
	require.NoError(t, cfg.Restrict(env))

	require.Len(t, cfg.Resources, 2)
	require.Equal(t, "users/alice@example.com/events", cfg.Resources[0].Resource)
	require.Equal(t, 24*time.Hour, cfg.Resources[1].Expiration)

	require.Len(t, cfg.Rules, 2)
	require.Equal(t, "drop tentative", cfg.Rules[0].Name())
	require.True(t, cfg.Rules[0].Suppress)
	require.True(t, cfg.Rules[0].When.IsExpr())
	require.True(t, cfg.Rules[1].Subject.IsExpr())

	matched, err := cfg.Rules[1].Match(env, &calnotifyevent.Detail{
		Attendee: &calnotifyevent.Attendee{
			ID:       "bob@example.com",
			NewState: "declined",
		},
	})
	require.NoError(t, err)
	require.True(t, matched)
}

func TestLoadConfigEmptyPath(t *testing.T) {
	ctx := context.Background()
	cfg, err := calnotify.LoadConfig(ctx, "")
	require.NoError(t, err)
	require.Empty(t, cfg.Resources)
	require.Empty(t, cfg.Rules)
}

func TestConfigRestrictErrors(t *testing.T) {
	ctx := context.Background()
	env, err := calnotify.NewCELEnv()
	require.NoError(t, err)

	cases := []struct {
		name string
		yaml string
	}{
		{
			name: "duplicate resource",
			yaml: `
resources:
  - resource: users/alice@example.com/events
  - resource: users/alice@example.com/events
`,
		},
		{
			name: "resource is required",
			yaml: `
resources:
  - expiration: 24h
`,
		},
		{
			name: "suppress and subject are exclusive",
			yaml: `
resources:
  - resource: users/alice@example.com/events
rules:
  - when: "true"
    suppress: true
    subject: '"x"'
`,
		},
		{
			name: "rule without when",
			yaml: `
resources:
  - resource: users/alice@example.com/events
rules:
  - suppress: true
`,
		},
		{
			name: "rule without action",
			yaml: `
resources:
  - resource: users/alice@example.com/events
rules:
  - when: "true"
`,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(c.yaml), 0644))
			cfg, err := calnotify.LoadConfig(ctx, path)
			require.NoError(t, err)
			require.Error(t, cfg.Restrict(env))
		})
	}
}
