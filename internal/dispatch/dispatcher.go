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
	"strings"
	"sync/atomic"
	"time"

	"github.com/hbollon/go-edlib"
	"github.com/shadertools/shadercompiled/internal/cachestore"
	"github.com/shadertools/shadercompiled/internal/compiler"
	"github.com/shadertools/shadercompiled/internal/errorlog"
	"github.com/shadertools/shadercompiled/internal/fingerprint"
	"github.com/shadertools/shadercompiled/internal/logging"
	"github.com/shadertools/shadercompiled/internal/shaderlist"
	"github.com/shadertools/shadercompiled/internal/shaderserr"
	"github.com/shadertools/shadercompiled/internal/version"
	"github.com/shadertools/shadercompiled/internal/wire"
)

const component = "dispatch"

// Dispatcher wires together the cache, compiler table, shader list
// store, and fallback peers that every job type needs.
type Dispatcher struct {
	Cache       *cachestore.Store
	ShaderLists *shaderlist.Store
	Compilers   compiler.Table
	Runner      *compiler.Runner
	ErrorQueue  *errorlog.Queue

	ValidPlatforms map[string]bool
	ValidLanguages map[string]bool

	CachingEnabled bool
	DumpShaders    bool
	DumpDir        string
	PrintErrors    bool

	FallbackPeers     []string
	FallbackThreshold int64

	activeCompiles int64
}

// ActiveCompiles reports the current number of in-flight local compiles,
// used by the status endpoint and the fallback-threshold check.
func (d *Dispatcher) ActiveCompiles() int64 {
	return atomic.LoadInt64(&d.activeCompiles)
}

// Handle parses one request payload and writes exactly one response
// frame through codec. peerIP is the already-allow-listed caller,
// used for CompileError reporting.
func (d *Dispatcher) Handle(ctx context.Context, codec *wire.Codec, payload []byte, peerIP net.IP) error {
	env, err := parseEnvelope(payload)
	if err != nil {
		return codec.Send(wire.V1, wire.ErrorInvalidShaderRequestLine, []byte(err.Error()))
	}
	ver := wire.ParseVersion(env.Version)

	if env.Identify != "" {
		return codec.Send(ver, wire.Done, []byte(version.ServerIdentity))
	}

	switch env.JobType {
	case jobCompile:
		return d.handleCompile(ctx, codec, ver, env, payload, peerIP)
	case jobRequestLine:
		return d.handleRequestLine(codec, ver, env)
	case jobGetShaderList:
		return d.handleGetShaderList(codec, ver, env)
	default:
		return codec.Send(ver, wire.JobNotFound, nil)
	}
}

// shaderListKey composes the per-target shader list key a RequestLine or
// GetShaderList job reads/writes. V2_3+ connections compose
// Project/Cache/Platform-Compiler-Language/ShaderList; earlier
// connections used the Platform attribute directly as the whole key.
func shaderListKey(ver wire.ProtocolVersion, env envelope) string {
	if ver < wire.V2_3 {
		return env.Platform
	}
	return filepath.Join(env.Project, "Cache", fmt.Sprintf("%s-%s-%s", env.Platform, env.Compiler, env.Language), env.ShaderList)
}

func (d *Dispatcher) handleRequestLine(codec *wire.Codec, ver wire.ProtocolVersion, env envelope) error {
	if env.ShaderRequest == "" {
		return codec.Send(ver, wire.ErrorInvalidShaderRequestLine, nil)
	}
	key := shaderListKey(ver, env)
	if key == "" {
		return codec.Send(ver, wire.ErrorInvalidPlatform, nil)
	}
	for _, tok := range strings.Split(env.ShaderRequest, ";") {
		if tok == "" {
			continue
		}
		if !d.ShaderLists.Add(key, tok) {
			return codec.Send(ver, wire.ErrorInvalidShaderRequestLine, nil)
		}
	}
	return codec.Send(ver, wire.Done, nil)
}

func (d *Dispatcher) handleGetShaderList(codec *wire.Codec, ver wire.ProtocolVersion, env envelope) error {
	key := shaderListKey(ver, env)
	if key == "" {
		return codec.Send(ver, wire.ErrorInvalidPlatform, nil)
	}
	body, ok := d.ShaderLists.Export(key)
	if !ok {
		// Can't tell a bad name from a list that simply hasn't been
		// written yet, so report success with an empty body.
		return codec.Send(ver, wire.Done, make([]byte, 4))
	}
	compressed, err := compress(body)
	if err != nil {
		return codec.Send(ver, wire.ErrorCompress, []byte(err.Error()))
	}
	return codec.Send(ver, wire.Done, compressed)
}

// validateCompileAttrs enforces the V2_3+ membership checks against the
// configured platform/compiler/language tables. Older clients aren't
// validated this way: they predate the tables existing at all, so an
// unrecognized value is something the compiler invocation itself will
// fail on instead.
func (d *Dispatcher) validateCompileAttrs(ver wire.ProtocolVersion, env envelope) wire.JobState {
	if env.Profile == "" {
		return wire.ErrorInvalidProfile
	}
	if env.Program == "" {
		return wire.ErrorInvalidProgram
	}
	if env.Entry == "" {
		return wire.ErrorInvalidEntry
	}
	if env.ShaderRequest == "" {
		return wire.ErrorInvalidShaderRequestLine
	}
	if env.CompileFlags == "" {
		return wire.ErrorInvalidCompileFlags
	}
	openParen := strings.Index(env.ShaderRequest, "(")
	closeParen := strings.Index(env.ShaderRequest, ")")
	if openParen < 0 || closeParen < 0 || closeParen < openParen {
		return wire.ErrorInvalidShaderRequestLine
	}
	if env.Project == "" {
		return wire.ErrorInvalidProject
	}
	if ver < wire.V2_3 {
		return wire.None
	}
	if !d.ValidPlatforms[env.Platform] {
		return wire.ErrorInvalidPlatform
	}
	if !d.ValidLanguages[env.Language] {
		return wire.ErrorInvalidLanguage
	}
	if _, ok := d.Compilers.Lookup(env.Compiler); !ok {
		d.suggestCompiler(env.Compiler)
		return wire.ErrorInvalidCompiler
	}
	return wire.None
}

// suggestCompiler logs an edit-distance "did you mean" hint for an
// unrecognized compiler ID, purely diagnostic.
func (d *Dispatcher) suggestCompiler(requested string) {
	candidates := d.Compilers.IDs()
	if requested == "" || len(candidates) == 0 {
		return
	}
	best := ""
	bestScore := float32(-1)
	for _, id := range candidates {
		score, err := edlib.StringsSimilarity(requested, id, edlib.Levenshtein)
		if err != nil {
			continue
		}
		if score > bestScore {
			bestScore = score
			best = id
		}
	}
	if best != "" {
		logging.Warn(component, "unknown compiler %q, did you mean %q?", requested, best)
	}
}

func (d *Dispatcher) handleCompile(ctx context.Context, codec *wire.Codec, ver wire.ProtocolVersion, env envelope, rawPayload []byte, peerIP net.IP) error {
	if state := d.validateCompileAttrs(ver, env); state != wire.None {
		return codec.Send(ver, state, nil)
	}

	requestHash := fingerprint.RequestFingerprint(rawPayload, ver >= wire.V2)
	useCache := d.CachingEnabled && env.wantsCaching()

	if useCache {
		if data, ok := d.Cache.Find(requestHash); ok {
			return codec.Send(ver, wire.CacheHit, data)
		}
	}

	if state, body, handled := d.tryFallback(ver, rawPayload); handled {
		return codec.Send(ver, state, body)
	}

	spec, ok := d.Compilers.Lookup(env.Compiler)
	if !ok {
		d.suggestCompiler(env.Compiler)
		return codec.Send(ver, wire.ErrorInvalidCompiler, nil)
	}

	atomic.AddInt64(&d.activeCompiles, 1)
	defer atomic.AddInt64(&d.activeCompiles, -1)

	source := []byte(env.Program)

	var dumpName string
	if d.DumpShaders {
		dumpName = d.dumpSource(env, source)
	}

	req := compiler.Request{
		Compiler: spec,
		Profile:  env.Profile,
		Entry:    env.Entry,
		Flags:    env.CompileFlags,
		Source:   source,
	}

	result, err := d.Runner.Compile(ctx, ver, req)
	if err != nil {
		d.reportFailure(env, peerIP, err.Error())
		return codec.Send(ver, wire.ErrorFileIO, []byte(err.Error()))
	}
	if result.ExitCode != 0 {
		cerr := shaderserr.NewCompileError(fmt.Errorf("compiler exited with status %d", result.ExitCode))
		cerr.Stderr = result.Stderr
		cerr.Program, cerr.Project, cerr.Platform = env.Program, env.Project, env.Platform
		cerr.Compiler, cerr.Language, cerr.Tags, cerr.Profile, cerr.Entry = env.Compiler, env.Language, env.Tags, env.Profile, env.Entry
		cerr.PeerIP = peerIP.String()
		cerr.ShaderRequestLine = env.ShaderRequest
		cerr.CCs = splitCCs(env.CC)
		if d.PrintErrors {
			logging.Warn(component, "%s", cerr.Error())
		}
		d.ErrorQueue.Push(errorlog.Report{
			Program: env.Program, Entry: env.Entry, Platform: env.Platform,
			Compiler: env.Compiler, Stderr: result.Stderr, PeerIP: peerIP.String(),
		})
		return codec.Send(ver, wire.ErrorCompile, []byte(result.Stderr))
	}

	compressed, err := compress(result.Output)
	if err != nil {
		return codec.Send(ver, wire.ErrorCompress, []byte(err.Error()))
	}

	dataHash := fingerprint.Sum(compressed)
	if useCache {
		d.Cache.Add(requestHash, dataHash, compressed)
	}
	if key := shaderListKey(ver, env); env.ShaderRequest != "" && key != "" {
		d.ShaderLists.Add(key, env.ShaderRequest)
	}
	if d.DumpShaders && dumpName != "" {
		d.dumpCompiled(dumpName, env.Language, result.Output)
	}

	return codec.Send(ver, wire.Done, compressed)
}

// fallbackCounter is incremented for every forwarding attempt and taken
// modulo the peer count to pick which one to use, round-robin, across
// however many Dispatchers share this process.
var fallbackCounter int64

// tryFallback forwards the raw request to one fallback peer, chosen
// round-robin, when the local server is past its concurrency threshold.
// handled is false when there's no reason to forward, or the chosen
// peer can't be reached, in which case the caller falls back to a local
// compile rather than trying another peer.
func (d *Dispatcher) tryFallback(ver wire.ProtocolVersion, rawPayload []byte) (wire.JobState, []byte, bool) {
	if len(d.FallbackPeers) == 0 {
		return wire.None, nil, false
	}
	if d.ActiveCompiles() < d.FallbackThreshold {
		return wire.None, nil, false
	}

	idx := atomic.AddInt64(&fallbackCounter, 1) - 1
	addr := d.FallbackPeers[idx%int64(len(d.FallbackPeers))]

	peer, err := wire.DialPeer(addr, 2*time.Second)
	if err != nil {
		logging.Warn(component, "dialing fallback peer %s: %v, falling back to local compile", addr, err)
		return wire.None, nil, false
	}
	state, body, err := forwardOnce(peer, rawPayload)
	peer.Close()
	if err != nil {
		logging.Warn(component, "forwarding to %s: %v, falling back to local compile", addr, err)
		return wire.None, nil, false
	}
	if state == wire.Done || state == wire.CacheHit {
		return state, body, true
	}
	return wire.None, nil, false
}

func forwardOnce(peer *wire.Codec, rawPayload []byte) (wire.JobState, []byte, error) {
	if err := peer.Forward(rawPayload); err != nil {
		return wire.None, nil, err
	}
	resp, err := peer.Backward()
	if err != nil {
		return wire.None, nil, err
	}
	if len(resp) <= 4 {
		return wire.None, nil, fmt.Errorf("dispatch: short fallback response (%d bytes)", len(resp))
	}
	state := wire.JobState(resp[4])
	return state, resp[5:], nil
}

func (d *Dispatcher) reportFailure(env envelope, peerIP net.IP, message string) {
	if d.PrintErrors {
		logging.Warn(component, "compile %s/%s failed: %s", env.Program, env.Entry, message)
	}
	d.ErrorQueue.Push(errorlog.Report{
		Program: env.Program, Entry: env.Entry, Platform: env.Platform,
		Compiler: env.Compiler, Stderr: message, PeerIP: peerIP.String(),
	})
}

func splitCCs(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// compress deflates b and prepends its uncompressed length as a 4-byte
// little-endian header, matching CSTLHelper::Compress's wire format so
// a CSTLHelper::Uncompress on the other end knows how large a buffer to
// allocate before inflating.
func compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(b)))
	buf.Write(header[:])

	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// shaderFilenameReplacer swaps the characters ShaderRequest's shader
// name half can legally contain but a filename can't, matching the
// fixed substitution table the original server applies before using
// the name on disk.
var shaderFilenameReplacer = strings.NewReplacer(
	"<", "(",
	">", ")",
	"/", "_",
	"|", "+",
	"*", "^",
	":", ";",
	"?", "!",
	"%", "$",
)

// permutationParts splits a ShaderRequest value into its shader-name
// half (up to, not including, the first '(') and its permutation half
// (from the first '(' onward), the same split dumpSource's naming and
// its CRC32 both key off of.
func permutationParts(shaderRequest string) (shaderName, permutation string) {
	pos := strings.Index(shaderRequest, "(")
	if pos < 0 {
		return shaderName, shaderRequest
	}
	return shaderRequest[:pos], shaderRequest[pos:]
}

// dumpSource writes the raw source and the permutation body to DumpDir
// ahead of compiling, named after shaderName and a CRC32 over the
// permutation, and returns that shared basename (without extension) so
// dumpCompiled can later add the cross-compiled output alongside them.
// Returns "" if DumpDir can't be created, in which case no dump happens.
func (d *Dispatcher) dumpSource(env envelope, source []byte) string {
	if err := os.MkdirAll(d.DumpDir, 0o755); err != nil {
		logging.Warn(component, "creating dump dir: %v", err)
		return ""
	}
	shaderName, permutation := permutationParts(env.ShaderRequest)
	shaderName = shaderFilenameReplacer.Replace(shaderName)
	crc := crc32sum([]byte(permutation))
	base := fmt.Sprintf("%s_%d", shaderName, crc)

	if err := os.WriteFile(filepath.Join(d.DumpDir, base+".hlsl"), source, 0o644); err != nil {
		logging.Warn(component, "dumping shader source %s: %v", base, err)
	}
	if err := os.WriteFile(filepath.Join(d.DumpDir, base+".txt"), []byte(permutation), 0o644); err != nil {
		logging.Warn(component, "dumping shader permutation %s: %v", base, err)
	}
	return base
}

// dumpCompiled writes the cross-compiled output alongside the files
// dumpSource already wrote for this request, once the compile succeeds.
func (d *Dispatcher) dumpCompiled(base, language string, output []byte) {
	ext := strings.ToLower(language)
	path := filepath.Join(d.DumpDir, base+"."+ext)
	if err := os.WriteFile(path, output, 0o644); err != nil {
		logging.Warn(component, "dumping compiled shader %s: %v", base, err)
	}
}
