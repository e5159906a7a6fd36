package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ppiankov/cronforge/internal/config"
	"github.com/ppiankov/cronforge/internal/secrets"
	"github.com/ppiankov/cronforge/internal/task"
)

// StepsFromSettings builds the four steps for a job. It returns the steps
// plus any resolved non-credential secrets (the git token) that must be
// masked in output.
func StepsFromSettings(s *config.Settings, res *secrets.Resolver) ([]Step, []string, error) {
	job := s.Job
	env := stepEnv(job)

	var mask []string
	var checkout Step
	if job.Source.Repo != "" {
		token, err := res.Resolve(job.Source.Token)
		if err != nil {
			return nil, nil, fmt.Errorf("source token: %w", err)
		}
		if token != "" {
			mask = append(mask, token)
		}
		checkout = &GitCheckout{URL: job.Source.Repo, Ref: job.Source.Ref, Token: token}
	} else {
		checkout = &LocalCheckout{Path: s.SourcePath()}
	}

	setup := &SetupRuntime{Commands: [][]string{job.Runtime.Setup}, Env: env}
	if job.Runtime.UpgradePip {
		setup.Commands = append(setup.Commands, []string{job.Runtime.Python, "-m", "pip", "install", "--upgrade", "pip"})
	}

	steps := []Step{
		checkout,
		setup,
		&InstallDependencies{Manifest: job.Dependencies.Manifest, Command: job.Dependencies.Install, Env: env},
		&RunEntrypoint{
			Command:     job.Entrypoint,
			Env:         env,
			UsernameVar: job.Credentials.UsernameVar,
			PasswordVar: job.Credentials.PasswordVar,
		},
	}
	return steps, mask, nil
}

// stepEnv is the environment shared by every command step: the sanitized
// parent environment plus the job's env block, without the credential
// source variables or the names credentials are forwarded under.
func stepEnv(job config.Job) []string {
	drop := []string{job.Credentials.UsernameVar, job.Credentials.PasswordVar}
	for _, ref := range []string{job.Credentials.Username, job.Credentials.Password, job.Source.Token} {
		if name, ok := strings.CutPrefix(ref, "env:"); ok {
			drop = append(drop, name)
		}
	}
	env := SanitizedEnv(drop...)

	keys := make([]string, 0, len(job.Env))
	for k := range job.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+job.Env[k])
	}
	return env
}

// SetupRuntime prepares the interpreter environment, e.g. a virtualenv.
type SetupRuntime struct {
	Commands [][]string
	Env      []string
}

func (s *SetupRuntime) Kind() task.StepKind { return task.StepSetupRuntime }

func (s *SetupRuntime) Run(ctx context.Context, ws *Workspace) (Outcome, error) {
	cmds := make([]command, 0, len(s.Commands))
	for _, argv := range s.Commands {
		cmds = append(cmds, command{argv: argv, env: s.Env})
	}
	return runCommands(ctx, ws, s.Kind(), cmds)
}

// InstallDependencies installs the packages declared in the manifest.
// A workspace without the manifest has nothing to install.
type InstallDependencies struct {
	Manifest string
	Command  []string
	Env      []string
}

func (s *InstallDependencies) Kind() task.StepKind { return task.StepInstallDependencies }

func (s *InstallDependencies) Run(ctx context.Context, ws *Workspace) (Outcome, error) {
	if s.Manifest != "" {
		_, err := os.Stat(filepath.Join(ws.Dir, s.Manifest))
		if errors.Is(err, os.ErrNotExist) {
			return Outcome{LastMsg: fmt.Sprintf("no %s, nothing to install", s.Manifest)}, nil
		}
		if err != nil {
			return Outcome{}, &StepError{Kind: s.Kind(), Err: fmt.Errorf("stat manifest: %w", err)}
		}
	}
	return runCommands(ctx, ws, s.Kind(), []command{{argv: s.Command, env: s.Env}})
}

// RunEntrypoint executes the task script with the credentials exported
// under UsernameVar and PasswordVar. Empty credentials are forwarded as is.
type RunEntrypoint struct {
	Command     []string
	Env         []string
	UsernameVar string
	PasswordVar string
}

func (s *RunEntrypoint) Kind() task.StepKind { return task.StepRunEntrypoint }

func (s *RunEntrypoint) Run(ctx context.Context, ws *Workspace) (Outcome, error) {
	env := make([]string, 0, len(s.Env)+2)
	env = append(env, s.Env...)
	env = append(env,
		s.UsernameVar+"="+ws.Credentials.Username,
		s.PasswordVar+"="+ws.Credentials.Password,
	)
	return runCommands(ctx, ws, s.Kind(), []command{{argv: s.Command, env: env}})
}
