package procexec

import (
	"fmt"
	"strings"
)

// posixEscape single-quote-wraps s, doubling embedded single quotes via
// the standard shell trick ' -> '\'' (spec §6). Grounded on the same
// shell-construction discipline internal/process/builder.go uses to join
// buildCommand's argv, generalized into an explicit escaper.
func posixEscape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// windowsEscape renders s as a double-quoted Windows command-line token:
// backslashes immediately preceding the closing quote are doubled (per
// Microsoft's command-line quoting rules, spec §6), and cmd.exe's own
// special characters are re-encoded with a caret so cmd doesn't reinterpret
// them inside the outer quoting this library wraps commands in.
func windowsEscape(s string) string {
	var b strings.Builder
	b.WriteByte('"')

	backslashes := 0
	for _, r := range s {
		switch r {
		case '\\':
			backslashes++
			b.WriteRune(r)
			continue
		case '"':
			// Escape the run of backslashes plus this quote.
			for i := 0; i < backslashes; i++ {
				b.WriteByte('\\')
			}
			b.WriteString(`\"`)
			backslashes = 0
			continue
		}
		backslashes = 0
		b.WriteRune(r)
	}
	// Any trailing backslashes must be doubled since they now precede the
	// closing quote.
	for i := 0; i < backslashes; i++ {
		b.WriteByte('\\')
	}
	b.WriteByte('"')

	out := b.String()
	for _, special := range []string{"^", "%", "!", "\n"} {
		out = strings.ReplaceAll(out, special, "^"+special)
	}
	return out
}

// buildArgvCommand joins argv into the final command string for a given
// escaper, prefixing "exec " on POSIX so the shell wrapper is replaced
// rather than forked (spec §4.3, §6).
func buildArgvCommand(argv []string, escape func(string) string, posixExec bool) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = escape(a)
	}
	joined := strings.Join(parts, " ")
	if posixExec {
		return "exec " + joined
	}
	return joined
}

// resolvePlaceholders expands every "${:NAME}" token in shellCmd with the
// escaped value of env[NAME]. A referenced name missing from env is an
// InvalidArgumentError (spec §3, §6).
func resolvePlaceholders(shellCmd string, env map[string]string, escape func(string) string) (string, error) {
	var b strings.Builder
	rest := shellCmd
	for {
		start := strings.Index(rest, "${:")
		if start == -1 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}")
		if end == -1 {
			b.WriteString(rest)
			break
		}
		end += start

		b.WriteString(rest[:start])
		name, ok := placeholderName(rest[start : end+1])
		if !ok {
			b.WriteString(rest[start : end+1])
			rest = rest[end+1:]
			continue
		}
		val, present := env[name]
		if !present {
			return "", invalidArgument("missing value for placeholder %q", name)
		}
		b.WriteString(escape(val))
		rest = rest[end+1:]
	}
	return b.String(), nil
}

// buildCommandString produces the final command line for cmd under the
// given env, using escape for individual tokens. posixExec controls
// whether an argv form is prefixed with "exec " (POSIX only).
func buildCommandString(cmd Command, env map[string]string, escape func(string) string, posixExec bool) (string, error) {
	if !cmd.IsShell() {
		return buildArgvCommand(cmd.Argv, escape, posixExec), nil
	}
	return resolvePlaceholders(cmd.Shell, env, escape)
}

// mergeEnv applies Config.Env on top of the current process environment,
// honoring EnvAbsent as a removal marker, and returns the result as the
// NAME=VALUE slice os/exec.Cmd.Env expects. Grounded on
// internal/process/builder.go's buildEnvironment, generalized from
// "always append, never remove" to support the spec's "absent" semantics.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}

	removed := make(map[string]bool)
	set := make(map[string]string, len(overrides))
	for k, v := range overrides {
		if v == EnvAbsent {
			removed[k] = true
			continue
		}
		set[k] = v
	}

	out := make([]string, 0, len(base)+len(set))
	for _, kv := range base {
		name := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			name = kv[:i]
		}
		if removed[name] {
			continue
		}
		if _, overridden := set[name]; overridden {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range set {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
