package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"taskmasterd/internal/descriptor"
)

// knownKeys enumerates every key a program section may set. Unknown keys
// are rejected with a validation error naming the section and key.
var knownKeys = map[string]bool{
	"cmd": true, "numprocs": true, "umask": true, "workingdir": true,
	"autostart": true, "autorestart": true, "exitcodes": true,
	"startretries": true, "starttime": true, "stopsignal": true,
	"stoptime": true, "stdout": true, "stderr": true, "env": true,
}

// LoadPrograms parses the INI-style program descriptor file: one section
// per program, keys mapping one-for-one to descriptor fields. Returns a
// validated map of program descriptors keyed by name (callers that need
// stable iteration should keep their own ordered name list; Go maps do not
// preserve insertion order).
func LoadPrograms(path string) (map[string]*descriptor.Program, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{AllowNonUniqueSections: false}, path)
	if err != nil {
		return nil, &descriptor.ConfigError{Section: path, Reason: fmt.Sprintf("failed to read config: %v", err)}
	}

	programs := make(map[string]*descriptor.Program)

	for _, sec := range cfg.Sections() {
		name := sec.Name()
		if name == ini.DefaultSection {
			continue
		}

		for _, key := range sec.Keys() {
			if !knownKeys[key.Name()] {
				return nil, &descriptor.ConfigError{Section: name, Key: key.Name(), Reason: "unknown key"}
			}
		}

		raw, err := sectionToRaw(name, sec)
		if err != nil {
			return nil, err
		}

		prog, err := descriptor.New(raw)
		if err != nil {
			return nil, err
		}

		programs[name] = prog
	}

	return programs, nil
}

func sectionToRaw(name string, sec *ini.Section) (descriptor.Raw, error) {
	raw := descriptor.Raw{
		Name:        name,
		Cmd:         sec.Key("cmd").String(),
		Umask:       sec.Key("umask").String(),
		WorkingDir:  sec.Key("workingdir").String(),
		AutoRestart: sec.Key("autorestart").String(),
		StopSignal:  sec.Key("stopsignal").String(),
		Stdout:      sec.Key("stdout").String(),
		Stderr:      sec.Key("stderr").String(),
	}

	if sec.HasKey("numprocs") {
		n, err := sec.Key("numprocs").Int()
		if err != nil {
			return raw, &descriptor.ConfigError{Section: name, Key: "numprocs", Reason: "must be an integer"}
		}
		raw.NumProcs = &n
	}

	if sec.HasKey("autostart") {
		b, err := parseBool(sec.Key("autostart").String())
		if err != nil {
			return raw, &descriptor.ConfigError{Section: name, Key: "autostart", Reason: err.Error()}
		}
		raw.AutoStart = &b
	}

	if sec.HasKey("startretries") {
		n, err := sec.Key("startretries").Int()
		if err != nil {
			return raw, &descriptor.ConfigError{Section: name, Key: "startretries", Reason: "must be an integer"}
		}
		raw.StartRetries = &n
	}

	if sec.HasKey("starttime") {
		n, err := sec.Key("starttime").Int()
		if err != nil {
			return raw, &descriptor.ConfigError{Section: name, Key: "starttime", Reason: "must be an integer"}
		}
		raw.StartTime = &n
	}

	if sec.HasKey("stoptime") {
		n, err := sec.Key("stoptime").Int()
		if err != nil {
			return raw, &descriptor.ConfigError{Section: name, Key: "stoptime", Reason: "must be an integer"}
		}
		raw.StopTime = &n
	}

	if sec.HasKey("exitcodes") {
		codes, err := parseExitCodes(sec.Key("exitcodes").String())
		if err != nil {
			return raw, &descriptor.ConfigError{Section: name, Key: "exitcodes", Reason: err.Error()}
		}
		raw.ExitCodes = codes
	}

	if sec.HasKey("env") {
		env, err := parseEnv(sec.Key("env").String())
		if err != nil {
			return raw, &descriptor.ConfigError{Section: name, Key: "env", Reason: err.Error()}
		}
		raw.Env = env
	}

	return raw, nil
}

// parseBool accepts a case-insensitive true/false.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("must be true or false, got %q", s)
	}
}

// parseExitCodes parses an integer or comma-separated list of integers
// into a list; descriptor.New turns that list into a set.
func parseExitCodes(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	codes := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid exit code %q", p)
		}
		codes = append(codes, n)
	}
	return codes, nil
}

// parseEnv parses comma-separated K=V pairs. '=' splits on the first
// occurrence; whitespace around K and V is trimmed; an empty result yields
// no overlay.
func parseEnv(s string) (map[string]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	env := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.Index(pair, "=")
		if idx < 0 {
			return nil, fmt.Errorf("invalid env pair %q: missing '='", pair)
		}
		k := strings.TrimSpace(pair[:idx])
		v := strings.TrimSpace(pair[idx+1:])
		if k == "" {
			return nil, fmt.Errorf("invalid env pair %q: empty key", pair)
		}
		env[k] = v
	}
	if len(env) == 0 {
		return nil, nil
	}
	return env, nil
}
