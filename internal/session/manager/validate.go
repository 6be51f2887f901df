// SPDX-License-Identifier: MIT

package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/devsupd/devsupd/internal/errdefs"
	"github.com/devsupd/devsupd/internal/portreg"
	"github.com/devsupd/devsupd/internal/session/model"
)

var envKeyRe = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// buildSpec validates a start request and resolves it into a Spec. The
// second result reports whether the session needs a port allocation: an
// explicit port always does, a ranged tag does, a bare generic session runs
// portless.
func buildSpec(in StartInput) (model.Spec, bool, error) {
	command := strings.TrimSpace(in.Command)
	if command == "" {
		return model.Spec{}, false, errdefs.Validationf("command is required")
	}
	argv, err := shellwords.Parse(command)
	if err != nil {
		return model.Spec{}, false, errdefs.Validationf("command does not tokenize: %v", err)
	}
	if len(argv) == 0 {
		return model.Spec{}, false, errdefs.Validationf("command is empty after tokenizing")
	}

	if !filepath.IsAbs(in.Workdir) {
		return model.Spec{}, false, errdefs.Validationf("workdir %q is not absolute", in.Workdir)
	}
	info, err := os.Stat(in.Workdir)
	if err != nil {
		return model.Spec{}, false, errdefs.Validationf("workdir %q does not exist", in.Workdir)
	}
	if !info.IsDir() {
		return model.Spec{}, false, errdefs.Validationf("workdir %q is not a directory", in.Workdir)
	}

	for k := range in.Env {
		if !envKeyRe.MatchString(k) {
			return model.Spec{}, false, errdefs.Validationf("env key %q is not a valid identifier", k)
		}
	}

	tag, err := portreg.ParseTag(in.Tag)
	if err != nil {
		return model.Spec{}, false, err
	}

	if in.Port != 0 && (in.Port < 1 || in.Port > 65535) {
		return model.Spec{}, false, errdefs.Validationf("port %d out of [1,65535]", in.Port)
	}

	_, ranged := portreg.RangeFor(tag)
	needsPort := in.Port != 0 || ranged

	// PORT belongs to the allocator; a caller that pins its own value would
	// silently fight the injected one.
	if needsPort {
		if _, ok := in.Env["PORT"]; ok {
			return model.Spec{}, false, errdefs.Validationf("env PORT is reserved for the allocated port")
		}
	}

	spec := model.Spec{
		Name:        strings.TrimSpace(in.Name),
		Command:     command,
		Argv:        argv,
		Workdir:     in.Workdir,
		Port:        in.Port,
		Tag:         tag,
		AutoRestart: in.AutoRestart,
	}
	if len(in.Env) > 0 {
		spec.Env = make(map[string]string, len(in.Env))
		for k, v := range in.Env {
			spec.Env[k] = v
		}
	}
	return spec, needsPort, nil
}

// CompileFilter compiles a user-supplied log filter.
func CompileFilter(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("filter %q: %v: %w", expr, err, errdefs.ErrInvalidRegex)
	}
	return re, nil
}
