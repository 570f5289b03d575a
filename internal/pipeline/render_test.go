package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderCollabDockerfile(t *testing.T) {
	t.Parallel()
	def, err := Load("../../examples/collab.yaml")
	require.NoError(t, err)
	require.Len(t, def.Stages, 2)

	got := RenderDockerfile(def)
	for _, want := range []string{
		"FROM rust:1.81-bookworm AS builder\n",
		"ARG CARGO_PROFILE_RELEASE_PANIC=abort\n",
		"WORKDIR /app\n",
		"COPY . /app\n",
		"RUN mkdir -p /app/.cargo && cp /app/script/lib/collab.cargo.toml /app/.cargo/config.toml\n",
		`RUN --mount=type=cache,target=/app/target ["cargo","build","--release","--package","collab","--bin","collab"]` + "\n",
		"FROM debian:bookworm-slim AS runtime\n",
		"COPY --from=builder /app/collab /app/collab\n",
		"COPY --from=builder /app/crates/collab/migrations /app/migrations\n",
		"COPY --from=builder /app/crates/collab/migrations_llm /app/migrations_llm\n",
		"ENV MIGRATIONS_PATH=/app/migrations\n",
		"ENV LLM_DATABASE_MIGRATIONS_PATH=/app/migrations_llm\n",
		"LABEL org.opencontainers.image.revision=$GITHUB_SHA\n",
		`ENTRYPOINT ["/app/collab"]` + "\n",
	} {
		assert.Contains(t, got, want)
	}

	// The informational arg only appears in the final stage.
	builder, runtime, ok := strings.Cut(got, "FROM debian:bookworm-slim AS runtime")
	require.True(t, ok)
	assert.NotContains(t, builder, "GITHUB_SHA")
	assert.Contains(t, runtime, "ARG GITHUB_SHA\n")
	assert.Equal(t, 1, strings.Count(got, "ENTRYPOINT"))
}

func TestRunFormUsesShellForArgs(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `["make","all"]`, runForm([]string{"make", "all"}))
	assert.Equal(t, `make PROFILE=${PROFILE} "a b"`, runForm([]string{"make", "PROFILE=${PROFILE}", "a b"}))
}

func TestRenderStageEnvPrecedesSteps(t *testing.T) {
	t.Parallel()
	def := &Definition{
		Name: "envs",
		Stages: []Stage{{
			Name:    "only",
			Base:    "debian:bookworm-slim",
			Workdir: "/w",
			Env:     map[string]string{"CARGO_HOME": "/w/.cargo", "MSG": "a b"},
			Steps:   []Step{{Run: []string{"sh", "-c", "echo $CARGO_HOME"}}},
		}},
		Entrypoint: []string{"/w/app"},
	}

	got := RenderDockerfile(def)
	env := strings.Index(got, "ENV CARGO_HOME=/w/.cargo\n")
	run := strings.Index(got, `RUN ["sh","-c","echo $CARGO_HOME"]`)
	require.GreaterOrEqual(t, env, 0, got)
	require.GreaterOrEqual(t, run, 0, got)
	assert.Less(t, env, run)
	assert.Less(t, strings.Index(got, "WORKDIR /w\n"), env)
	assert.Contains(t, got, "ENV MSG=\"a b\"\n")
}
