package dispatch

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/shadertools/shadercompiled/internal/cachestore"
	"github.com/shadertools/shadercompiled/internal/compiler"
	"github.com/shadertools/shadercompiled/internal/errorlog"
	"github.com/shadertools/shadercompiled/internal/fingerprint"
	"github.com/shadertools/shadercompiled/internal/shaderlist"
	"github.com/shadertools/shadercompiled/internal/version"
	"github.com/shadertools/shadercompiled/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *wire.Codec, *wire.Codec) {
	t.Helper()
	cache, err := cachestore.Open(t.TempDir())
	require.NoError(t, err)
	cache.Finalize()
	t.Cleanup(func() { cache.Close() })

	lists, err := shaderlist.New(t.TempDir())
	require.NoError(t, err)

	d := &Dispatcher{
		Cache:          cache,
		ShaderLists:    lists,
		Compilers:      compiler.Table{},
		Runner:         &compiler.Runner{CompilerDir: t.TempDir(), TempDir: t.TempDir()},
		ErrorQueue:     errorlog.New(8),
		ValidPlatforms: map[string]bool{"ps4": true},
		ValidLanguages: map[string]bool{"hlsl": true},
		CachingEnabled: true,
	}

	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	return d, wire.NewCodec(server), wire.NewCodec(client)
}

func readFrame(t *testing.T, c *wire.Codec, ver wire.ProtocolVersion) (wire.JobState, []byte) {
	t.Helper()
	state, body, err := c.RecvResponse(ver)
	require.NoError(t, err)
	return state, body
}

// decompress strips the 4-byte uncompressed-length header compress()
// writes and inflates the remainder.
func decompress(t *testing.T, body []byte) []byte {
	t.Helper()
	require.GreaterOrEqual(t, len(body), 4)
	var out bytes.Buffer
	r := flate.NewReader(bytes.NewReader(body[4:]))
	_, err := out.ReadFrom(r)
	require.NoError(t, err)
	return out.Bytes()
}

func TestHandleIdentify(t *testing.T) {
	d, server, client := newTestDispatcher(t)
	payload := []byte(`<ShaderCompile Version="2.2" Identify="1"/>`)

	go func() { d.Handle(context.Background(), server, payload, net.ParseIP("127.0.0.1")) }()

	_, body := readFrame(t, client, wire.V2_2)
	assert.Equal(t, version.ServerIdentity, string(body))
}

func TestHandleRequestLineRoundTrip(t *testing.T) {
	d, server, client := newTestDispatcher(t)
	payload := []byte(`<ShaderCompile Version="2.2" JobType="RequestLine" Platform="ps4" ShaderRequest="&lt;1&gt;Shader@main()(ps_5_0)"/>`)

	go func() { d.Handle(context.Background(), server, payload, net.ParseIP("127.0.0.1")) }()

	state, _ := readFrame(t, client, wire.V2_2)
	assert.Equal(t, wire.Done, state)
	assert.Equal(t, 1, d.ShaderLists.Count("ps4"))
}

func TestHandleRequestLineSplitsOnSemicolon(t *testing.T) {
	d, server, client := newTestDispatcher(t)
	payload := []byte(`<ShaderCompile Version="2.2" JobType="RequestLine" Platform="ps4" ShaderRequest="&lt;1&gt;A()(vs_5_0);&lt;1&gt;B()(vs_5_0)"/>`)

	go func() { d.Handle(context.Background(), server, payload, net.ParseIP("127.0.0.1")) }()

	state, _ := readFrame(t, client, wire.V2_2)
	assert.Equal(t, wire.Done, state)
	assert.Equal(t, 2, d.ShaderLists.Count("ps4"))
}

func TestHandleRequestLineRejectsMissingShaderRequest(t *testing.T) {
	d, server, client := newTestDispatcher(t)
	payload := []byte(`<ShaderCompile Version="2.2" JobType="RequestLine" Platform="ps4"/>`)

	go func() { d.Handle(context.Background(), server, payload, net.ParseIP("127.0.0.1")) }()

	state, _ := readFrame(t, client, wire.V2_2)
	assert.Equal(t, wire.ErrorInvalidShaderRequestLine, state)
}

func TestHandleRequestLineComposesV2_3Path(t *testing.T) {
	d, server, client := newTestDispatcher(t)
	payload := []byte(`<ShaderCompile Version="2.3" JobType="RequestLine" Project="MyProject" Platform="ps4" Compiler="fakefxc" Language="hlsl" ShaderList="ShaderList.txt" ShaderRequest="&lt;1&gt;Shader@main()(ps_5_0)"/>`)

	go func() { d.Handle(context.Background(), server, payload, net.ParseIP("127.0.0.1")) }()

	state, _ := readFrame(t, client, wire.V2_3)
	assert.Equal(t, wire.Done, state)
	key := filepath.Join("MyProject", "Cache", "ps4-fakefxc-hlsl", "ShaderList.txt")
	assert.Equal(t, 1, d.ShaderLists.Count(key))
}

func TestHandleGetShaderList(t *testing.T) {
	d, server, client := newTestDispatcher(t)
	d.ShaderLists.Add("ps4", "<1>Shader@main()(ps_5_0)")

	payload := []byte(`<ShaderCompile Version="2.2" JobType="GetShaderList" Platform="ps4"/>`)
	go func() { d.Handle(context.Background(), server, payload, net.ParseIP("127.0.0.1")) }()

	state, body := readFrame(t, client, wire.V2_2)
	assert.Equal(t, wire.Done, state)
	assert.Contains(t, string(decompress(t, body)), "Shader@main()(ps_5_0)")
}

func TestHandleGetShaderListMissingReturnsZeroLength(t *testing.T) {
	d, server, client := newTestDispatcher(t)
	payload := []byte(`<ShaderCompile Version="2.2" JobType="GetShaderList" Platform="never-seen"/>`)

	go func() { d.Handle(context.Background(), server, payload, net.ParseIP("127.0.0.1")) }()

	state, body := readFrame(t, client, wire.V2_2)
	assert.Equal(t, wire.Done, state)
	assert.Equal(t, make([]byte, 4), body)
}

func TestHandleCompileCacheHit(t *testing.T) {
	d, server, client := newTestDispatcher(t)
	payload := []byte(`<ShaderCompile Version="2.2" JobType="Compile" Program="P" Project="Proj" Profile="ps_5_0" Entry="main" Platform="ps4" Compiler="fakefxc" Language="hlsl" ShaderRequest="Shader@main()(ps_5_0)" CompileFlags="-O0"/>`)

	reqHash := fingerprint.RequestFingerprint(payload, true)
	dataHash := fingerprint.Sum([]byte("cached-bytes"))
	d.Cache.Add(reqHash, dataHash, []byte("cached-bytes"))

	go func() { d.Handle(context.Background(), server, payload, net.ParseIP("127.0.0.1")) }()

	state, body := readFrame(t, client, wire.V2_2)
	assert.Equal(t, wire.CacheHit, state)
	assert.Equal(t, []byte("cached-bytes"), body)
}

func TestHandleCompileSkipsCacheWhenCachingAttrDisabled(t *testing.T) {
	d, server, client := newTestDispatcher(t)
	payload := []byte(`<ShaderCompile Version="2.2" JobType="Compile" Program="P" Project="Proj" Profile="ps_5_0" Entry="main" Platform="ps4" Compiler="fakefxc" Language="hlsl" ShaderRequest="Shader@main()(ps_5_0)" CompileFlags="-O0" Caching="0"/>`)

	reqHash := fingerprint.RequestFingerprint(payload, true)
	dataHash := fingerprint.Sum([]byte("cached-bytes"))
	d.Cache.Add(reqHash, dataHash, []byte("cached-bytes"))
	d.Compilers = compiler.Table{"fakefxc": {ID: "fakefxc", Executable: "does-not-exist"}}

	go func() { d.Handle(context.Background(), server, payload, net.ParseIP("127.0.0.1")) }()

	state, _ := readFrame(t, client, wire.V2_2)
	assert.NotEqual(t, wire.CacheHit, state)
}

func TestHandleCompileRejectsInvalidPlatform(t *testing.T) {
	d, server, client := newTestDispatcher(t)
	payload := []byte(`<ShaderCompile Version="2.3" JobType="Compile" Program="P" Project="Proj" Profile="ps_5_0" Entry="main" Platform="bogus" Compiler="fakefxc" Language="hlsl" ShaderRequest="Shader@main()(ps_5_0)" CompileFlags="-O0"/>`)

	go func() { d.Handle(context.Background(), server, payload, net.ParseIP("127.0.0.1")) }()

	state, _ := readFrame(t, client, wire.V2_3)
	assert.Equal(t, wire.ErrorInvalidPlatform, state)
}

func TestHandleCompileRejectsMissingShaderRequest(t *testing.T) {
	d, server, client := newTestDispatcher(t)
	payload := []byte(`<ShaderCompile Version="2.2" JobType="Compile" Program="P" Project="Proj" Profile="ps_5_0" Entry="main" Platform="ps4" Compiler="fakefxc" Language="hlsl" CompileFlags="-O0"/>`)

	go func() { d.Handle(context.Background(), server, payload, net.ParseIP("127.0.0.1")) }()

	state, _ := readFrame(t, client, wire.V2_2)
	assert.Equal(t, wire.ErrorInvalidShaderRequestLine, state)
}

func TestHandleCompileRejectsMalformedShaderRequestParens(t *testing.T) {
	d, server, client := newTestDispatcher(t)
	payload := []byte(`<ShaderCompile Version="2.2" JobType="Compile" Program="P" Project="Proj" Profile="ps_5_0" Entry="main" Platform="ps4" Compiler="fakefxc" Language="hlsl" ShaderRequest="Shader@main)(vs_5_0" CompileFlags="-O0"/>`)

	go func() { d.Handle(context.Background(), server, payload, net.ParseIP("127.0.0.1")) }()

	state, _ := readFrame(t, client, wire.V2_2)
	assert.Equal(t, wire.ErrorInvalidShaderRequestLine, state)
}

func TestHandleCompileRejectsMissingCompileFlags(t *testing.T) {
	d, server, client := newTestDispatcher(t)
	payload := []byte(`<ShaderCompile Version="2.2" JobType="Compile" Program="P" Project="Proj" Profile="ps_5_0" Entry="main" Platform="ps4" Compiler="fakefxc" Language="hlsl" ShaderRequest="Shader@main()(vs_5_0)"/>`)

	go func() { d.Handle(context.Background(), server, payload, net.ParseIP("127.0.0.1")) }()

	state, _ := readFrame(t, client, wire.V2_2)
	assert.Equal(t, wire.ErrorInvalidCompileFlags, state)
}

func TestHandleCompileRunsLocalCompiler(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake compiler script is POSIX shell")
	}
	d, server, client := newTestDispatcher(t)
	scriptPath := filepath.Join(d.Runner.CompilerDir, "fakefxc")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\ncp \"$1\" \"$2\"\n"), 0o755))
	d.Compilers = compiler.Table{"fakefxc": {ID: "fakefxc", Executable: "fakefxc", ArgsTemplate: "{input} {output}"}}

	source := "float4 main() : SV_Target { return 0; }"
	payload := []byte(`<ShaderCompile Version="2.2" JobType="Compile" Project="Proj" Profile="ps_5_0" Entry="main" Platform="ps4" Compiler="fakefxc" Language="hlsl" ShaderRequest="Shader@main()(ps_5_0)" CompileFlags="-O0" Program="` + source + `"/>`)

	go func() { d.Handle(context.Background(), server, payload, net.ParseIP("127.0.0.1")) }()

	state, body := readFrame(t, client, wire.V2_2)
	require.Equal(t, wire.Done, state)
	assert.Equal(t, []byte(source), decompress(t, body))

	length := binary.LittleEndian.Uint32(body[:4])
	assert.Equal(t, uint32(len(source)), length)
}

func TestHandleCompileDumpsShaderFiles(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake compiler script is POSIX shell")
	}
	d, server, client := newTestDispatcher(t)
	scriptPath := filepath.Join(d.Runner.CompilerDir, "fakefxc")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\ncp \"$1\" \"$2\"\n"), 0o755))
	d.Compilers = compiler.Table{"fakefxc": {ID: "fakefxc", Executable: "fakefxc", ArgsTemplate: "{input} {output}"}}
	d.DumpShaders = true
	d.DumpDir = t.TempDir()

	source := "float4 main() : SV_Target { return 0; }"
	payload := []byte(`<ShaderCompile Version="2.2" JobType="Compile" Project="Proj" Profile="ps_5_0" Entry="main" Platform="ps4" Compiler="fakefxc" Language="GLSL" ShaderRequest="Shader@main()(ps_5_0)" CompileFlags="-O0" Program="` + source + `"/>`)

	go func() { d.Handle(context.Background(), server, payload, net.ParseIP("127.0.0.1")) }()

	state, _ := readFrame(t, client, wire.V2_2)
	require.Equal(t, wire.Done, state)

	entries, err := os.ReadDir(d.DumpDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Len(t, names, 3)

	shaderName, permutation := permutationParts("Shader@main()(ps_5_0)")
	crc := crc32sum([]byte(permutation))
	base := shaderFilenameReplacer.Replace(shaderName)
	wantBase := fmt.Sprintf("%s_%d", base, crc)
	assert.Contains(t, names, wantBase+".hlsl")
	assert.Contains(t, names, wantBase+".txt")
	assert.Contains(t, names, wantBase+".glsl")

	permBody, err := os.ReadFile(filepath.Join(d.DumpDir, wantBase+".txt"))
	require.NoError(t, err)
	assert.Equal(t, permutation, string(permBody))
}
