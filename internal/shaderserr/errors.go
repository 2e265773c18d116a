// Package shaderserr defines the typed error wrappers used to carry
// context across component boundaries. Every job handler converts these
// into a JobState plus response body before a value ever reaches a wire
// write; the wrappers exist so logging and the (out-of-scope) mailer
// collaborator see enough context to act on a failure.
package shaderserr

import (
	"fmt"
	"time"
)

// Kind classifies the failing subsystem.
type Kind string

const (
	KindCompile   Kind = "compile"
	KindCache     Kind = "cache"
	KindShaderList Kind = "shader_list"
	KindSubprocess Kind = "subprocess"
	KindAllowList Kind = "allow_list"
	KindConfig    Kind = "config"
)

// CompileError carries everything the out-of-scope mailer collaborator
// needs to compose a report, plus the filtered stderr text already
// substituted with %filename%.
type CompileError struct {
	Entry             string
	Stderr            string
	CCs               []string
	PeerIP            string
	ShaderRequestLine string
	Program           string
	Project           string
	Platform          string
	Compiler          string
	Language          string
	Tags              string
	Profile           string
	Timestamp         time.Time
	Underlying        error
}

func NewCompileError(underlying error) *CompileError {
	return &CompileError{Underlying: underlying, Timestamp: time.Now()}
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile failed for %s/%s entry=%s profile=%s: %v",
		e.Platform, e.Compiler, e.Entry, e.Profile, e.Underlying)
}

func (e *CompileError) Unwrap() error { return e.Underlying }

// CacheLoadError is returned by the cache loader when Cache.dat (or its
// backups) cannot be parsed at all; it is not returned for the
// per-record skip cases, which are treated as recoverable.
type CacheLoadError struct {
	Path       string
	Offset     int64
	Entry      int
	Underlying error
}

func NewCacheLoadError(path string, entry int, offset int64, underlying error) *CacheLoadError {
	return &CacheLoadError{Path: path, Entry: entry, Offset: offset, Underlying: underlying}
}

func (e *CacheLoadError) Error() string {
	return fmt.Sprintf("invalid entry %d at offset %d in %s: %v", e.Entry, e.Offset, e.Path, e.Underlying)
}

func (e *CacheLoadError) Unwrap() error { return e.Underlying }

// ShaderListError wraps a failure saving or parsing a shader-request-list
// file.
type ShaderListError struct {
	Path       string
	Operation  string
	Underlying error
}

func NewShaderListError(op, path string, underlying error) *ShaderListError {
	return &ShaderListError{Operation: op, Path: path, Underlying: underlying}
}

func (e *ShaderListError) Error() string {
	return fmt.Sprintf("shader list %s failed for %s: %v", e.Operation, e.Path, e.Underlying)
}

func (e *ShaderListError) Unwrap() error { return e.Underlying }

// SubprocessError wraps a failure launching or communicating with an
// external compiler process (distinct from a clean non-zero exit, which
// is reported as a CompileError carrying stderr text).
type SubprocessError struct {
	Command    string
	Underlying error
}

func NewSubprocessError(command string, underlying error) *SubprocessError {
	return &SubprocessError{Command: command, Underlying: underlying}
}

func (e *SubprocessError) Error() string {
	return fmt.Sprintf("subprocess %q failed: %v", e.Command, e.Underlying)
}

func (e *SubprocessError) Unwrap() error { return e.Underlying }

// AllowListError wraps a malformed allow-list entry encountered during
// gate construction.
type AllowListError struct {
	Entry      string
	Underlying error
}

func NewAllowListError(entry string, underlying error) *AllowListError {
	return &AllowListError{Entry: entry, Underlying: underlying}
}

func (e *AllowListError) Error() string {
	return fmt.Sprintf("invalid allow-list entry %q: %v", e.Entry, e.Underlying)
}

func (e *AllowListError) Unwrap() error { return e.Underlying }
