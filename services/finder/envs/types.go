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
	"slices"
	"strings"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// RawManager is the package or environment manager that owns an environment.
type RawManager struct {
	Tool       string `json:"tool"`
	Executable string `json:"executable"`
	Version    string `json:"version,omitempty"`
}

// RawEnvironment is an environment as reported by the finder helper.
//
// Every field is optional on the wire. A record with neither Executable
// nor Prefix is invalid.
type RawEnvironment struct {
	DisplayName string      `json:"displayName,omitempty"`
	Name        string      `json:"name,omitempty"`
	Executable  string      `json:"executable,omitempty"`
	Category    string      `json:"category"`
	Version     string      `json:"version,omitempty"`
	Prefix      string      `json:"prefix,omitempty"`
	Manager     *RawManager `json:"manager,omitempty"`
	Project     string      `json:"project,omitempty"`
	Arch        string      `json:"arch,omitempty"`
	Symlinks    []string    `json:"symlinks,omitempty"`
}

// Incomplete reports whether the helper left out the version or the prefix,
// which it does for live results it has not fully inspected yet.
func (r RawEnvironment) Incomplete() bool {
	return r.Version == "" || r.Prefix == ""
}

// Valid reports whether the record identifies an environment at all.
func (r RawEnvironment) Valid() bool {
	return r.Executable != "" || r.Prefix != ""
}

// =============================================================================
// KIND
// =============================================================================

// Kind is the closed classification of an environment's provenance.
type Kind string

const (
	KindUnknown           Kind = "unknown"
	KindSystem            Kind = "global-system"
	KindMicrosoftStore    Kind = "global-microsoft-store"
	KindPyenv             Kind = "global-pyenv"
	KindPoetry            Kind = "global-poetry"
	KindCustom            Kind = "global-custom"
	KindOtherGlobal       Kind = "global-other"
	KindVenv              Kind = "virt-venv"
	KindVirtualEnv        Kind = "virt-virtualenv"
	KindVirtualEnvWrapper Kind = "virt-virtualenvwrapper"
	KindPipenv            Kind = "virt-pipenv"
	KindConda             Kind = "virt-conda"
	KindHatch             Kind = "virt-hatch"
	KindOtherVirtual      Kind = "virt-other"
)

var kindNames = map[Kind]string{
	KindUnknown:           "Unknown",
	KindSystem:            "System",
	KindMicrosoftStore:    "MicrosoftStore",
	KindPyenv:             "Pyenv",
	KindPoetry:            "Poetry",
	KindCustom:            "Custom",
	KindOtherGlobal:       "OtherGlobal",
	KindVenv:              "Venv",
	KindVirtualEnv:        "VirtualEnv",
	KindVirtualEnvWrapper: "VirtualEnvWrapper",
	KindPipenv:            "Pipenv",
	KindConda:             "Conda",
	KindHatch:             "Hatch",
	KindOtherVirtual:      "OtherVirtual",
}

// Kinds returns every kind, sorted by value.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(kindNames))
	for k := range kindNames {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// String returns the display name of the kind, e.g. "Venv".
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Virtual reports whether the kind is a virtual environment.
func (k Kind) Virtual() bool {
	return strings.HasPrefix(string(k), "virt-")
}

// ParseKind accepts a kind value ("virt-venv") or display name ("Venv"),
// case-insensitively.
func ParseKind(s string) (Kind, bool) {
	s = strings.TrimSpace(s)
	for k, name := range kindNames {
		if strings.EqualFold(s, string(k)) || strings.EqualFold(s, name) {
			return k, true
		}
	}
	return KindUnknown, false
}

// =============================================================================
// ARCHITECTURE
// =============================================================================

// Arch is the interpreter's architecture.
type Arch string

const (
	ArchUnknown Arch = "unknown"
	ArchX64     Arch = "x64"
	ArchX86     Arch = "x86"
)

// =============================================================================
// VERSION
// =============================================================================

// ReleaseLevel is the pre-release marker of a Python version.
type ReleaseLevel string

const (
	ReleaseAlpha     ReleaseLevel = "alpha"
	ReleaseBeta      ReleaseLevel = "beta"
	ReleaseCandidate ReleaseLevel = "candidate"
	ReleaseFinal     ReleaseLevel = "final"
)

// Release is the optional release part of a version ("rc1").
type Release struct {
	Level  ReleaseLevel `json:"level"`
	Serial int          `json:"serial"`
}

// Version is a parsed Python version. Missing parts are zero, never absent.
type Version struct {
	SysVersion string   `json:"sysVersion"`
	Major      int      `json:"major"`
	Minor      int      `json:"minor"`
	Micro      int      `json:"micro"`
	Release    *Release `json:"release,omitempty"`
}

// Empty reports whether nothing was parsed.
func (v Version) Empty() bool {
	return v.SysVersion == "" && v.Major == 0 && v.Minor == 0 && v.Micro == 0
}

// Compare orders versions by major, minor, micro. Release levels are not
// compared.
func (v Version) Compare(other Version) int {
	if v.Major != other.Major {
		return compareInt(v.Major, other.Major)
	}
	if v.Minor != other.Minor {
		return compareInt(v.Minor, other.Minor)
	}
	return compareInt(v.Micro, other.Micro)
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// =============================================================================
// CANONICAL ENVIRONMENT
// =============================================================================

// Executable describes the interpreter binary.
type Executable struct {
	Filename  string `json:"filename"`
	SysPrefix string `json:"sysPrefix"`
	// Ctime and Mtime are -1 when unknown.
	Ctime int64 `json:"ctime"`
	Mtime int64 `json:"mtime"`
}

// Distro records where the interpreter came from. Org is empty when unknown.
type Distro struct {
	Org string `json:"org"`
}

// Manager is the canonical form of RawManager.
type Manager struct {
	Tool       string `json:"tool"`
	Executable string `json:"executable"`
	Version    string `json:"version,omitempty"`
}

// Environment is the canonical record of one Python environment.
//
// Identity is Executable.Filename: two records with equal (normalized)
// filenames describe the same environment.
type Environment struct {
	Name       string     `json:"name"`
	Location   string     `json:"location"`
	Kind       Kind       `json:"kind"`
	Executable Executable `json:"executable"`
	Version    Version    `json:"version"`
	Arch       Arch       `json:"arch"`
	Distro     Distro     `json:"distro"`
	// Source gets one tag per report of this environment.
	Source   []string `json:"source"`
	Project  string   `json:"project,omitempty"`
	Manager  *Manager `json:"manager,omitempty"`
	Symlinks []string `json:"symlinks,omitempty"`
}

// Clone returns a deep copy.
func (e *Environment) Clone() *Environment {
	if e == nil {
		return nil
	}
	c := *e
	c.Source = slices.Clone(e.Source)
	c.Symlinks = slices.Clone(e.Symlinks)
	if e.Version.Release != nil {
		r := *e.Version.Release
		c.Version.Release = &r
	}
	if e.Manager != nil {
		m := *e.Manager
		c.Manager = &m
	}
	return &c
}

// Merge folds a later report of the same environment into e, in place.
//
// Fields the later report knows win; fields it left empty keep their
// current value. The later report's source tags are appended.
func (e *Environment) Merge(later *Environment) {
	if later == nil {
		return
	}
	if later.Name != "" {
		e.Name = later.Name
	}
	if later.Location != "" {
		e.Location = later.Location
	}
	if later.Kind != KindUnknown && later.Kind != "" {
		e.Kind = later.Kind
	}
	if later.Executable.SysPrefix != "" {
		e.Executable.SysPrefix = later.Executable.SysPrefix
	}
	if later.Executable.Ctime >= 0 {
		e.Executable.Ctime = later.Executable.Ctime
	}
	if later.Executable.Mtime >= 0 {
		e.Executable.Mtime = later.Executable.Mtime
	}
	if !later.Version.Empty() {
		e.Version = later.Version
		if later.Version.Release != nil {
			r := *later.Version.Release
			e.Version.Release = &r
		}
	}
	if later.Arch != ArchUnknown && later.Arch != "" {
		e.Arch = later.Arch
	}
	if later.Distro.Org != "" {
		e.Distro = later.Distro
	}
	if later.Project != "" {
		e.Project = later.Project
	}
	if later.Manager != nil {
		m := *later.Manager
		e.Manager = &m
	}
	for _, link := range later.Symlinks {
		if !slices.Contains(e.Symlinks, link) {
			e.Symlinks = append(e.Symlinks, link)
		}
	}
	e.Source = append(e.Source, later.Source...)
}
