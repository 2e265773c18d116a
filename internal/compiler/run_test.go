package compiler

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/shadertools/shadercompiled/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitQuotedHandlesQuotedSegments(t *testing.T) {
	got := splitQuoted(`a.in "a out.bin" -E main -T ps_5_0`)
	assert.Equal(t, []string{"a.in", "a out.bin", "-E", "main", "-T", "ps_5_0"}, got)
}

func TestBuildArgsLegacyRejectsUnknownFlag(t *testing.T) {
	req := Request{Profile: "ps_5_0", Entry: "main", Flags: "-rm -rf"}
	_, err := buildArgsLegacy(req, "in", "out")
	assert.Error(t, err)
}

func TestBuildArgsLegacyAcceptsWhitelistedFlags(t *testing.T) {
	req := Request{Profile: "ps_5_0", Entry: "main", Flags: "-O2 -Zi"}
	args, err := buildArgsLegacy(req, "in", "out")
	require.NoError(t, err)
	assert.Equal(t, []string{"in", "out", "-E", "main", "-T", "ps_5_0", "-O2", "-Zi"}, args)
}

func TestBuildArgsV2_2UsesTemplate(t *testing.T) {
	req := Request{
		Compiler: Spec{ArgsTemplate: "{input} {output} -E {entry} -T {profile} {flags}"},
		Profile:  "ps_5_0",
		Entry:    "main",
		Flags:    "-O3",
	}
	args, err := buildArgsV2_2(req, "in.hlsl", "out.bin")
	require.NoError(t, err)
	assert.Equal(t, []string{"in.hlsl", "out.bin", "-E", "main", "-T", "ps_5_0", "-O3"}, args)
}

func TestScrubPathsReplacesTempNames(t *testing.T) {
	out := scrubPaths("error at /tmp/shc_in_123: syntax error", "/tmp/shc_in_123", "/tmp/shc_out_123")
	assert.NotContains(t, out, "/tmp/shc_in_123")
	assert.Contains(t, out, "%filename%")
}

func TestResolveExecutableRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{CompilerDir: dir}
	_, err := r.resolveExecutable(Spec{Executable: "../../etc/passwd"})
	assert.Error(t, err)
}

func TestResolveExecutableAcceptsWithinRoot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fxc"), []byte("#!/bin/sh\n"), 0o755))
	r := &Runner{CompilerDir: dir}
	path, err := r.resolveExecutable(Spec{Executable: "fxc"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "fxc"), path)
}

func TestCompileRunsExecutableAndReadsOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake compiler script is POSIX shell")
	}
	compilerDir := t.TempDir()
	tempDir := t.TempDir()

	script := "#!/bin/sh\ncp \"$1\" \"$2\"\necho warning: nothing serious 1>&2\n"
	scriptPath := filepath.Join(compilerDir, "fakefxc")
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))

	r := &Runner{CompilerDir: compilerDir, TempDir: tempDir}
	req := Request{
		Compiler: Spec{ID: "fakefxc", Executable: "fakefxc", ArgsTemplate: "{input} {output}"},
		Profile:  "ps_5_0",
		Entry:    "main",
		Source:   []byte("compiled-bytes"),
	}

	res, err := r.Compile(context.Background(), wire.V2_2, req)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []byte("compiled-bytes"), res.Output)
	assert.Contains(t, res.Stderr, "warning")
}
