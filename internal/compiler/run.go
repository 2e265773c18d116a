package compiler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/shadertools/shadercompiled/internal/logging"
	"github.com/shadertools/shadercompiled/internal/wire"
)

const component = "compiler"

// Result carries a finished compile's output and diagnostics.
type Result struct {
	Output   []byte
	Stderr   string
	ExitCode int
}

// Runner invokes compiler executables rooted under a single trusted
// directory; no compiler ID can escape it via a crafted Executable path.
// The compiler path is always resolved under the trusted compiler root,
// never taken verbatim from the client.
type Runner struct {
	CompilerDir string
	TempDir     string
	PrintCmds   bool
}

// resolveExecutable joins CompilerDir with spec.Executable and rejects
// the result if it escapes CompilerDir, e.g. via a "../" component.
func (r *Runner) resolveExecutable(spec Spec) (string, error) {
	joined := filepath.Join(r.CompilerDir, spec.Executable)
	root, err := filepath.Abs(r.CompilerDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("compiler: executable %q escapes compiler root %q", spec.Executable, r.CompilerDir)
	}
	return abs, nil
}

// Compile writes req.Source to a temp input file, invokes the resolved
// compiler executable against it, and reads back its temp output file —
// the "K.In"/"K.Out" handshake most shader compilers use instead of
// stdin/stdout for binary payloads.
func (r *Runner) Compile(ctx context.Context, version wire.ProtocolVersion, req Request) (Result, error) {
	inPath, outPath, cleanup, err := r.tempFiles()
	defer cleanup()
	if err != nil {
		return Result{}, err
	}

	if err := os.WriteFile(inPath, req.Source, 0o600); err != nil {
		return Result{}, fmt.Errorf("compiler: writing input file: %w", err)
	}

	exePath, err := r.resolveExecutable(req.Compiler)
	if err != nil {
		return Result{}, err
	}

	args, err := buildArgs(version, req, inPath, outPath)
	if err != nil {
		return Result{}, err
	}

	if r.PrintCmds {
		logging.Log(component, "%s %s", exePath, strings.Join(args, " "))
	}

	cmd := exec.CommandContext(ctx, exePath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("compiler: running %s: %w", req.Compiler.ID, runErr)
		}
	}

	output, readErr := os.ReadFile(outPath)
	if readErr != nil && exitCode == 0 {
		return Result{}, fmt.Errorf("compiler: reading output file: %w", readErr)
	}

	return Result{
		Output:   output,
		Stderr:   scrubPaths(stderr.String(), inPath, outPath),
		ExitCode: exitCode,
	}, nil
}

func (r *Runner) tempFiles() (in, out string, cleanup func(), err error) {
	if err := os.MkdirAll(r.TempDir, 0o755); err != nil {
		return "", "", func() {}, fmt.Errorf("compiler: creating temp dir: %w", err)
	}
	stamp := fmt.Sprintf("%d", time.Now().UnixNano())
	in = filepath.Join(r.TempDir, "shc_in_"+stamp)
	out = filepath.Join(r.TempDir, "shc_out_"+stamp)
	cleanup = func() {
		os.Remove(in)
		os.Remove(out)
	}
	return in, out, cleanup, nil
}

// scrubPaths replaces the process-local temp file paths in compiler
// diagnostics with a stable "%filename%" placeholder so logged and
// relayed errors don't leak local filesystem layout.
func scrubPaths(text, inPath, outPath string) string {
	text = strings.ReplaceAll(text, inPath, "%filename%")
	text = strings.ReplaceAll(text, outPath, "%filename%")
	text = strings.ReplaceAll(text, filepath.Base(inPath), "%filename%")
	return text
}

// buildArgs assembles the compiler argv. V2_2 and later substitute the
// compiler's free-form ArgsTemplate; earlier versions go through the
// fixed legacy flag whitelist.
func buildArgs(version wire.ProtocolVersion, req Request, inPath, outPath string) ([]string, error) {
	if version >= wire.V2_2 {
		return buildArgsV2_2(req, inPath, outPath)
	}
	return buildArgsLegacy(req, inPath, outPath)
}

func buildArgsV2_2(req Request, inPath, outPath string) ([]string, error) {
	replacer := strings.NewReplacer(
		"{input}", inPath,
		"{output}", outPath,
		"{profile}", req.Profile,
		"{entry}", req.Entry,
		"{flags}", req.Flags,
	)
	template := req.Compiler.ArgsTemplate
	if template == "" {
		template = "{input} {output} -E {entry} -T {profile} {flags}"
	}
	return splitQuoted(replacer.Replace(template)), nil
}

func buildArgsLegacy(req Request, inPath, outPath string) ([]string, error) {
	flags, err := validateLegacyFlags(req.Flags)
	if err != nil {
		return nil, err
	}
	args := []string{inPath, outPath, "-E", req.Entry, "-T", req.Profile}
	return append(args, flags...), nil
}

// splitQuoted is a minimal argv tokenizer that understands double-quoted
// substrings, so a template like {flags} expanding to a path with spaces
// stays one argument instead of several.
func splitQuoted(s string) []string {
	var args []string
	var cur strings.Builder
	inQuotes := false
	flush := func() {
		if cur.Len() > 0 {
			args = append(args, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ' ' && !inQuotes:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return args
}
