package logging_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-memlink/logging"
)

func newBufferedHandler(spec *logging.Spec) (slog.Handler, *bytes.Buffer) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: logging.LevelTrace.ToSlog()})
	return logging.NewFilteringHandler(inner, spec), &buf
}

func TestFilteringHandler_Enabled(t *testing.T) {
	handler, _ := newBufferedHandler(&logging.Spec{
		BaseLevel: logging.LevelWarn,
		Components: map[string]logging.Level{
			"manager":  logging.LevelDebug,
			"provider": logging.LevelTrace,
		},
	})
	ctx := context.Background()

	assert.False(t, handler.Enabled(ctx, slog.LevelInfo), "base handler is at warn")
	assert.True(t, handler.Enabled(ctx, slog.LevelWarn))

	mgr := handler.WithAttrs([]slog.Attr{slog.String("component", "manager")})
	assert.True(t, mgr.Enabled(ctx, slog.LevelDebug))
	assert.False(t, mgr.Enabled(ctx, logging.LevelTrace.ToSlog()))

	prov := handler.WithAttrs([]slog.Attr{slog.String("component", "provider")})
	assert.True(t, prov.Enabled(ctx, logging.LevelTrace.ToSlog()))
}

func TestFilteringHandler_ComponentOverriddenLater(t *testing.T) {
	handler, _ := newBufferedHandler(&logging.Spec{
		BaseLevel:  logging.LevelError,
		Components: map[string]logging.Level{"store": logging.LevelDebug},
	})
	ctx := context.Background()

	mgr := handler.WithAttrs([]slog.Attr{slog.String("component", "manager")})
	assert.False(t, mgr.Enabled(ctx, slog.LevelDebug))

	store := mgr.WithAttrs([]slog.Attr{slog.String("component", "store")})
	assert.True(t, store.Enabled(ctx, slog.LevelDebug), "last component attribute wins")

	// Unrelated attributes keep the resolved level.
	withID := store.WithAttrs([]slog.Attr{slog.Uint64("mem_id", 7)})
	assert.True(t, withID.Enabled(ctx, slog.LevelDebug))
}

func TestFilteringHandler_Handle(t *testing.T) {
	handler, buf := newBufferedHandler(&logging.Spec{
		BaseLevel:  logging.LevelWarn,
		Components: map[string]logging.Level{"manager": logging.LevelDebug},
	})
	ctx := context.Background()

	require.NoError(t, handler.Handle(ctx, slog.NewRecord(testTime(), slog.LevelDebug, "dropped", 0)))
	assert.Empty(t, buf.String())

	require.NoError(t, handler.Handle(ctx, slog.NewRecord(testTime(), slog.LevelWarn, "kept", 0)))
	assert.Contains(t, buf.String(), "kept")

	buf.Reset()
	mgr := handler.WithAttrs([]slog.Attr{slog.String("component", "manager")})
	require.NoError(t, mgr.Handle(ctx, slog.NewRecord(testTime(), slog.LevelDebug, "export committed", 0)))
	assert.Contains(t, buf.String(), "export committed")
	assert.Contains(t, buf.String(), "component=manager")
}

func TestFilteringHandler_WithGroup(t *testing.T) {
	handler, _ := newBufferedHandler(&logging.Spec{
		BaseLevel:  logging.LevelInfo,
		Components: map[string]logging.Level{"manager": logging.LevelDebug},
	})

	grouped := handler.
		WithAttrs([]slog.Attr{slog.String("component", "manager")}).
		WithGroup("request")
	assert.True(t, grouped.Enabled(context.Background(), slog.LevelDebug))
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr string
	}{
		{name: "empty is default", input: "", want: "warn"},
		{name: "base only", input: "info", want: "info"},
		{name: "components only", input: "manager=debug", want: "warn,manager=debug"},
		{name: "sorted output", input: " store=trace , debug, manager=info", want: "debug,manager=info,store=trace"},
		{name: "base twice", input: "info,debug", wantErr: "base level given twice"},
		{name: "bad level", input: "loud", wantErr: "unknown log level"},
		{name: "bad component level", input: "manager=loud", wantErr: "component manager"},
		{name: "missing name", input: "=debug", wantErr: "missing component name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := logging.ParseSpec(tt.input)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, spec.String())
		})
	}
}

func TestLevel_TextRoundTrip(t *testing.T) {
	var l logging.Level
	require.NoError(t, l.UnmarshalText([]byte("WARNING")))
	assert.Equal(t, logging.LevelWarn, l)

	text, err := logging.LevelTrace.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "trace", string(text))

	assert.Error(t, l.UnmarshalText([]byte("verbose")))
}

func TestNew_ComponentLevels(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{
		CLISpec: "warn,manager=debug,store=trace",
		Output:  &buf,
	})
	require.NoError(t, err)

	logger.Debug("root debug")
	assert.Empty(t, buf.String())

	logger.With("component", "manager").Debug("manager debug")
	assert.Contains(t, buf.String(), "manager debug")

	buf.Reset()
	logger.With("component", "store").Log(context.Background(), logging.LevelTrace.ToSlog(), "store trace")
	assert.Contains(t, buf.String(), "level=TRACE")

	buf.Reset()
	logger.With("component", "codec").Info("codec info")
	assert.Empty(t, buf.String(), "components without an override use the base level")
}

func TestNew_Precedence(t *testing.T) {
	tests := []struct {
		name      string
		opts      logging.Options
		wantLevel logging.Level
	}{
		{
			name:      "cli over env",
			opts:      logging.Options{CLISpec: "error", EnvSpec: "debug", ConfigSpec: "info"},
			wantLevel: logging.LevelError,
		},
		{
			name:      "env over config",
			opts:      logging.Options{EnvSpec: "debug", ConfigSpec: "info"},
			wantLevel: logging.LevelDebug,
		},
		{
			name:      "config alone",
			opts:      logging.Options{ConfigSpec: "info"},
			wantLevel: logging.LevelInfo,
		},
		{
			name:      "default",
			opts:      logging.Options{},
			wantLevel: logging.LevelWarn,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.opts.Output = &buf
			logger, err := logging.New(tt.opts)
			require.NoError(t, err)
			ctx := context.Background()

			logger.Log(ctx, tt.wantLevel.ToSlog(), "at level")
			assert.NotEmpty(t, buf.String())

			buf.Reset()
			below := logging.Level(int(tt.wantLevel) - 4)
			logger.Log(ctx, below.ToSlog(), "below level")
			assert.Empty(t, buf.String(), "%s should be filtered", below)
		})
	}
}

func TestNew_InvalidSpec(t *testing.T) {
	_, err := logging.New(logging.Options{EnvSpec: "manager=shout"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log spec")
}

func TestParseFormat(t *testing.T) {
	for input, want := range map[string]logging.Format{
		"text": logging.FormatText,
		"JSON": logging.FormatJSON,
		"":     logging.FormatText,
	} {
		got, err := logging.ParseFormat(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
	_, err := logging.ParseFormat("yaml")
	assert.Error(t, err)
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{
		CLISpec: "info",
		Format:  logging.FormatJSON,
		Output:  &buf,
	})
	require.NoError(t, err)

	logger.Info("exported", "mem_id", 1)
	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "{"))
	assert.Contains(t, output, `"msg":"exported"`)
	assert.Contains(t, output, `"mem_id":1`)
}

func TestFromEnv(t *testing.T) {
	t.Setenv(logging.EnvVar, "not-a-level")
	_, err := logging.FromEnv()
	assert.Error(t, err)

	t.Setenv(logging.EnvVar, "debug")
	logger, err := logging.FromEnv()
	require.NoError(t, err)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func testTime() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}
