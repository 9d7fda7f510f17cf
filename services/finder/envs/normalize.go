// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package envs

import (
	"errors"
	"path"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/AleutianAI/pyfinder/pkg/logging"
)

// ErrInvalidEnvironment is returned for a raw record with neither an
// executable nor a prefix.
var ErrInvalidEnvironment = errors.New("invalid environment: no executable or prefix")

// categoryKinds maps lower-cased helper categories to kinds.
var categoryKinds = map[string]Kind{
	"conda":                  KindConda,
	"system":                 KindSystem,
	"homebrew":               KindSystem,
	"mac-python-org":         KindSystem,
	"mac-command-line-tools": KindSystem,
	"mac-xcode":              KindSystem,
	"windows-registry":       KindSystem,
	"linux-global":           KindSystem,
	"global-paths":           KindOtherGlobal,
	"pyenv":                  KindPyenv,
	"pyenv-virtualenv":       KindVirtualEnv,
	"poetry":                 KindPoetry,
	"pipenv":                 KindPipenv,
	"venv":                   KindVenv,
	"virtualenv":             KindVirtualEnv,
	"virtualenvwrapper":      KindVirtualEnvWrapper,
	"windows-store":          KindMicrosoftStore,
	"custom-env":             KindCustom,
	"other-env":              KindOtherVirtual,
	"hatch":                  KindHatch,
	"unknown":                KindUnknown,
}

// KindFromCategory classifies a helper category. ok is false for categories
// outside the known table, which classify as KindUnknown.
func KindFromCategory(category string) (kind Kind, ok bool) {
	kind, ok = categoryKinds[strings.ToLower(strings.TrimSpace(category))]
	if !ok {
		return KindUnknown, false
	}
	return kind, true
}

// ParseArch maps the helper's architecture hint.
func ParseArch(s string) Arch {
	switch s {
	case "x64":
		return ArchX64
	case "x86":
		return ArchX86
	default:
		return ArchUnknown
	}
}

var releasePattern = regexp.MustCompile(`^(a|b|rc)(\d+)`)

// ParseVersion extracts major, minor and micro from a loosely formatted
// version string. Components that are missing or not numeric are zero.
//
// A pre-release suffix on the micro part ("3.13.0rc1") is kept as Release.
func ParseVersion(raw string) Version {
	v := Version{SysVersion: raw}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return v
	}

	parts := strings.SplitN(trimmed, ".", 4)
	fields := []*int{&v.Major, &v.Minor, &v.Micro}
	for i, field := range fields {
		if i >= len(parts) {
			break
		}
		digits, rest := leadingDigits(parts[i])
		if digits == "" {
			break
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			break
		}
		*field = n

		if rest != "" {
			if m := releasePattern.FindStringSubmatch(rest); m != nil {
				serial, _ := strconv.Atoi(m[2])
				v.Release = &Release{Level: releaseLevel(m[1]), Serial: serial}
			}
			// Anything after a non-numeric suffix is not a version part.
			break
		}
	}
	return v
}

func leadingDigits(s string) (digits, rest string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i], s[i:]
}

func releaseLevel(tag string) ReleaseLevel {
	switch tag {
	case "a":
		return ReleaseAlpha
	case "b":
		return ReleaseBeta
	default:
		return ReleaseCandidate
	}
}

// Normalizer maps raw helper records to canonical environments.
//
// Thread Safety: safe for concurrent use; it holds no mutable state.
type Normalizer struct {
	logger *logging.Logger
	goos   string
}

// NewNormalizer creates a Normalizer for the running platform.
func NewNormalizer(logger *logging.Logger) *Normalizer {
	return newNormalizer(logger, runtime.GOOS)
}

func newNormalizer(logger *logging.Logger, goos string) *Normalizer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Normalizer{
		logger: logger.With("component", "finder.envs"),
		goos:   goos,
	}
}

// Normalize converts one raw record.
//
// Description:
//
//	Invalid records are logged at Error and rejected with
//	ErrInvalidEnvironment. Unknown categories are logged at Warn and
//	classified as KindUnknown; they are not rejected.
//
// Outputs:
//
//	*Environment - A new record whose Source holds the report's category.
//	error - ErrInvalidEnvironment when neither executable nor prefix is set.
func (n *Normalizer) Normalize(raw RawEnvironment) (*Environment, error) {
	if !raw.Valid() {
		n.logger.Error("invalid environment", "category", raw.Category, "name", raw.Name)
		return nil, ErrInvalidEnvironment
	}

	kind, known := KindFromCategory(raw.Category)
	if !known {
		n.logger.Warn("unknown environment category", "category", raw.Category, "executable", raw.Executable)
	}

	filename := raw.Executable
	if filename == "" {
		filename = n.defaultExecutable(raw.Prefix)
	}

	location := raw.Prefix
	if location == "" {
		location = raw.Executable
	}

	version := ParseVersion(raw.Version)

	name := raw.DisplayName
	if name == "" {
		name = raw.Name
	}
	if name == "" {
		name = "Python"
		if raw.Version != "" {
			name = "Python " + raw.Version
		}
	}

	source := strings.ToLower(strings.TrimSpace(raw.Category))
	if source == "" {
		source = "unknown"
	}

	env := &Environment{
		Name:     name,
		Location: location,
		Kind:     kind,
		Executable: Executable{
			Filename:  filename,
			SysPrefix: raw.Prefix,
			Ctime:     -1,
			Mtime:     -1,
		},
		Version:  version,
		Arch:     ParseArch(raw.Arch),
		Distro:   Distro{Org: ""},
		Source:   []string{source},
		Project:  raw.Project,
		Symlinks: append([]string(nil), raw.Symlinks...),
	}
	if raw.Manager != nil {
		env.Manager = &Manager{
			Tool:       raw.Manager.Tool,
			Executable: raw.Manager.Executable,
			Version:    raw.Manager.Version,
		}
	}
	return env, nil
}

// IdentityKey is the collection key for an environment: the cleaned
// executable path, case-folded on Windows. Symlinks are not resolved, so
// two links to one interpreter stay two environments.
func (n *Normalizer) IdentityKey(env *Environment) string {
	return identityKey(env.Executable.Filename, n.goos)
}

// IdentityKey computes the collection key of filename for the running
// platform.
func IdentityKey(filename string) string {
	return identityKey(filename, runtime.GOOS)
}

func identityKey(filename, goos string) string {
	if filename == "" {
		return ""
	}
	if goos == "windows" {
		// Clean with forward slashes so results do not depend on the host.
		cleaned := path.Clean(strings.ReplaceAll(filename, `\`, "/"))
		return strings.ToLower(cleaned)
	}
	return path.Clean(filename)
}

func (n *Normalizer) defaultExecutable(prefix string) string {
	if n.goos == "windows" {
		if prefix == "" {
			return "python.exe"
		}
		return strings.TrimRight(prefix, `\/`) + `\python.exe`
	}
	if prefix == "" {
		return "python"
	}
	return path.Join(prefix, "bin", "python")
}

// Under reports whether location lies inside root (or is root).
func Under(location, root string) bool {
	if location == "" || root == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(location))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
