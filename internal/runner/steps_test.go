package runner

import (
	"strings"
	"testing"

	"github.com/ppiankov/cronforge/internal/config"
	"github.com/ppiankov/cronforge/internal/secrets"
	"github.com/ppiankov/cronforge/internal/task"
)

func parseSettings(t *testing.T, yml string) *config.Settings {
	t.Helper()
	s, err := config.ParseSettings([]byte(yml))
	if err != nil {
		t.Fatal(err)
	}
	if err := config.Validate(s); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStepsFromSettings_GitSource(t *testing.T) {
	s := parseSettings(t, `
job:
  name: j
  source:
    repo: https://example.com/r.git
    ref: main
    token: env:GIT_TOKEN_TEST
  runtime:
    upgrade_pip: true
triggers: {manual: true}
`)
	res := secrets.NewResolver(func(name string) (string, bool) {
		if name == "GIT_TOKEN_TEST" {
			return "tok-123", true
		}
		return "", false
	})

	steps, mask, err := StepsFromSettings(s, res)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != len(task.Sequence) {
		t.Fatalf("expected %d steps, got %d", len(task.Sequence), len(steps))
	}
	for i, st := range steps {
		if st.Kind() != task.Sequence[i] {
			t.Errorf("step %d: got %s, want %s", i, st.Kind(), task.Sequence[i])
		}
	}

	gc, ok := steps[0].(*GitCheckout)
	if !ok {
		t.Fatalf("expected *GitCheckout, got %T", steps[0])
	}
	if gc.URL != "https://example.com/r.git" || gc.Ref != "main" || gc.Token != "tok-123" {
		t.Errorf("unexpected checkout %+v", gc)
	}
	if len(mask) != 1 || mask[0] != "tok-123" {
		t.Errorf("expected token in mask list, got %v", mask)
	}

	setup := steps[1].(*SetupRuntime)
	if len(setup.Commands) != 2 {
		t.Fatalf("expected venv + pip upgrade, got %v", setup.Commands)
	}
	if got := strings.Join(setup.Commands[1], " "); got != ".venv/bin/python -m pip install --upgrade pip" {
		t.Errorf("pip upgrade: got %q", got)
	}

	entry := steps[3].(*RunEntrypoint)
	if entry.UsernameVar != "USERNAME" || entry.PasswordVar != "PASSWORD" {
		t.Errorf("credential vars: got %q/%q", entry.UsernameVar, entry.PasswordVar)
	}
}

func TestStepsFromSettings_LocalSource(t *testing.T) {
	s := parseSettings(t, `
job:
  name: j
  source: {path: /srv/automation}
  credentials: {username_var: MS_USER, password_var: MS_PASS}
triggers: {manual: true}
`)
	steps, mask, err := StepsFromSettings(s, secrets.NewResolver(nil))
	if err != nil {
		t.Fatal(err)
	}
	lc, ok := steps[0].(*LocalCheckout)
	if !ok {
		t.Fatalf("expected *LocalCheckout, got %T", steps[0])
	}
	if lc.Path != "/srv/automation" {
		t.Errorf("path: got %q", lc.Path)
	}
	if len(mask) != 0 {
		t.Errorf("expected nothing to mask, got %v", mask)
	}
	entry := steps[3].(*RunEntrypoint)
	if entry.UsernameVar != "MS_USER" || entry.PasswordVar != "MS_PASS" {
		t.Errorf("credential vars: got %q/%q", entry.UsernameVar, entry.PasswordVar)
	}
}

func TestStepEnv(t *testing.T) {
	t.Setenv("MS_USERNAME_TEST", "alice")
	t.Setenv("USERNAME", "host-user")
	t.Setenv("KEEP_ME_TEST", "yes")

	s := parseSettings(t, `
job:
  name: j
  source: {path: .}
  env:
    ZED: last
    ALPHA: first
  credentials:
    username: env:MS_USERNAME_TEST
    password: file:/run/secrets/pass
triggers: {manual: true}
`)
	env := stepEnv(s.Job)

	has := func(entry string) bool {
		for _, e := range env {
			if e == entry {
				return true
			}
		}
		return false
	}
	if !has("KEEP_ME_TEST=yes") {
		t.Error("expected unrelated env to pass through")
	}
	for _, e := range env {
		name, _, _ := strings.Cut(e, "=")
		if name == "MS_USERNAME_TEST" || name == "USERNAME" {
			t.Errorf("credential-related var %s leaked into step env", name)
		}
	}

	n := len(env)
	if n < 2 || env[n-2] != "ALPHA=first" || env[n-1] != "ZED=last" {
		t.Errorf("expected job env appended in key order, got tail %v", env[max(0, n-2):])
	}
}
