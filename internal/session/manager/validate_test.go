// SPDX-License-Identifier: MIT

package manager

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devsupd/devsupd/internal/errdefs"
	"github.com/devsupd/devsupd/internal/portreg"
)

func TestBuildSpec_Tokenizes(t *testing.T) {
	dir := t.TempDir()
	spec, needsPort, err := buildSpec(StartInput{
		Command: `npm run dev -- --host "0.0.0.0"`,
		Workdir: dir,
		Tag:     "node",
	})
	require.NoError(t, err)
	require.True(t, needsPort)
	require.Equal(t, []string{"npm", "run", "dev", "--", "--host", "0.0.0.0"}, spec.Argv)
	require.Equal(t, portreg.TagNode, spec.Tag)
}

func TestBuildSpec_PortlessGeneric(t *testing.T) {
	_, needsPort, err := buildSpec(StartInput{Command: "make watch", Workdir: t.TempDir()})
	require.NoError(t, err)
	require.False(t, needsPort, "bare generic sessions run portless")

	_, needsPort, err = buildSpec(StartInput{Command: "make watch", Workdir: t.TempDir(), Port: 9100})
	require.NoError(t, err)
	require.True(t, needsPort, "an explicit port always allocates")
}

func TestBuildSpec_Rejections(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		in   StartInput
	}{
		{"empty command", StartInput{Command: "  ", Workdir: dir}},
		{"unbalanced quote", StartInput{Command: `echo "oops`, Workdir: dir}},
		{"relative workdir", StartInput{Command: "true", Workdir: "relative/path"}},
		{"missing workdir", StartInput{Command: "true", Workdir: dir + "/nope"}},
		{"bad env key", StartInput{Command: "true", Workdir: dir, Env: map[string]string{"lower": "x"}}},
		{"env key with dash", StartInput{Command: "true", Workdir: dir, Env: map[string]string{"MY-VAR": "x"}}},
		{"unknown tag", StartInput{Command: "true", Workdir: dir, Tag: "rust"}},
		{"port out of range", StartInput{Command: "true", Workdir: dir, Port: 70000}},
		{"PORT env on tagged session", StartInput{
			Command: "true", Workdir: dir, Tag: "node",
			Env: map[string]string{"PORT": "3000"},
		}},
		{"PORT env with explicit port", StartInput{
			Command: "true", Workdir: dir, Port: 9100,
			Env: map[string]string{"PORT": "9100"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := buildSpec(tc.in)
			require.ErrorIs(t, err, errdefs.ErrValidation)
		})
	}
}

func TestBuildSpec_PortEnvAllowedWhenPortless(t *testing.T) {
	// A portless generic session may carry its own PORT: nothing competes.
	spec, needsPort, err := buildSpec(StartInput{
		Command: "true", Workdir: t.TempDir(),
		Env: map[string]string{"PORT": "1234"},
	})
	require.NoError(t, err)
	require.False(t, needsPort)
	require.Equal(t, "1234", spec.Env["PORT"])
}

func TestCompileFilter(t *testing.T) {
	re, err := CompileFilter("")
	require.NoError(t, err)
	require.Nil(t, re)

	re, err = CompileFilter("^error")
	require.NoError(t, err)
	require.True(t, re.MatchString("error: boom"))

	_, err = CompileFilter("(unclosed")
	require.ErrorIs(t, err, errdefs.ErrInvalidRegex)
}
