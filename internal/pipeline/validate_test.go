package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDef() *Definition {
	return &Definition{
		Name: "demo",
		Args: []Arg{{Name: "PROFILE", Default: "release"}, {Name: "GITHUB_SHA", Informational: true}},
		Stages: []Stage{
			{Name: "builder", Steps: []Step{{Run: []string{"make", "${PROFILE}"}}}},
			{Name: "runtime", Steps: []Step{{Copy: &Copy{From: "builder", Paths: []CopyPath{{Src: "/bin/app", Dst: "/app"}}}}}},
		},
		Entrypoint: []string{"/app"},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(d *Definition)
		want   error
	}{
		{name: "valid", mutate: func(*Definition) {}},
		{
			name:   "no stages",
			mutate: func(d *Definition) { d.Stages = nil },
			want:   ErrNoStages,
		},
		{
			name:   "duplicate stage",
			mutate: func(d *Definition) { d.Stages[1].Name = "builder" },
			want:   ErrDuplicateStage,
		},
		{
			name: "copy from later stage",
			mutate: func(d *Definition) {
				d.Stages[0].Steps = append(d.Stages[0].Steps, Step{Copy: &Copy{From: "runtime", Paths: []CopyPath{{Src: "/a", Dst: "/a"}}}})
			},
			want: ErrForwardCopy,
		},
		{
			name:   "copy from itself",
			mutate: func(d *Definition) { d.Stages[1].Steps[0].Copy.From = "runtime" },
			want:   ErrForwardCopy,
		},
		{
			name:   "copy from unknown stage",
			mutate: func(d *Definition) { d.Stages[1].Steps[0].Copy.From = "ghost" },
			want:   ErrUnknownStage,
		},
		{
			name:   "missing entrypoint",
			mutate: func(d *Definition) { d.Entrypoint = nil },
			want:   ErrNoEntrypoint,
		},
		{
			name:   "relative entrypoint",
			mutate: func(d *Definition) { d.Entrypoint = []string{"app"} },
			want:   ErrNoEntrypoint,
		},
		{
			name:   "undeclared arg",
			mutate: func(d *Definition) { d.Stages[0].Steps[0].Run = []string{"make", "${TARGET}"} },
			want:   ErrUndeclaredArg,
		},
		{
			name:   "informational arg in step",
			mutate: func(d *Definition) { d.Stages[0].Steps[0].Run = []string{"echo", "${GITHUB_SHA}"} },
			want:   ErrInformationalArg,
		},
		{
			name:   "informational arg in env",
			mutate: func(d *Definition) { d.Stages[1].Env = map[string]string{"REV": "${GITHUB_SHA}"} },
			want:   ErrInformationalArg,
		},
		{
			name: "step with two kinds",
			mutate: func(d *Definition) {
				d.Stages[0].Steps[0].Cache = []string{"target"}
			},
			want: ErrInvalidStep,
		},
		{
			name:   "empty step",
			mutate: func(d *Definition) { d.Stages[0].Steps = []Step{{}} },
			want:   ErrInvalidStep,
		},
		{
			name: "duplicate copy destination",
			mutate: func(d *Definition) {
				c := d.Stages[1].Steps[0].Copy
				c.Paths = append(c.Paths, CopyPath{Src: "/bin/other", Dst: "/app/"})
			},
			want: ErrInvalidStep,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := validDef()
			tt.mutate(d)
			err := Validate(d)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "p.yaml")
	require.NoError(t, os.WriteFile(p, []byte("name: x\nstages: [{name: a}]\nentrypoint: [/a]\nbogus: 1\n"), 0o644))
	_, err := Load(p)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "bogus"), err.Error())
}

func TestLoadResolvesPaths(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := filepath.Join(dir, "p.yaml")
	require.NoError(t, os.WriteFile(p, []byte("stages: [{name: a}]\nentrypoint: [/a]\noutput: out\n"), 0o644))
	def, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "p", def.Name)
	assert.Equal(t, dir, def.Context)
	assert.Equal(t, filepath.Join(dir, "out"), def.Output)
}

func TestResolveArgs(t *testing.T) {
	t.Parallel()
	d := validDef()
	got, err := d.ResolveArgs(map[string]string{"GITHUB_SHA": "abc"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"PROFILE": "release", "GITHUB_SHA": "abc"}, got)

	_, err = d.ResolveArgs(map[string]string{"OTHER": "1"})
	require.ErrorIs(t, err, ErrUndeclaredArg)
}
