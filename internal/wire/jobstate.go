package wire

// JobState records the terminal state of a request. Values 1 (Done) and
// 5 (ErrorCompile) are observed directly by existing clients on the wire
// and must never be renumbered.
type JobState byte

const (
	None JobState = iota
	Done
	JobNotFound
	CacheHit
	Error
	ErrorCompile
	ErrorCompress
	ErrorFileIO
	ErrorInvalidProfile
	ErrorInvalidProject
	ErrorInvalidPlatform
	ErrorInvalidProgram
	ErrorInvalidEntry
	ErrorInvalidCompileFlags
	ErrorInvalidCompiler
	ErrorInvalidLanguage
	ErrorInvalidShaderRequestLine
	ErrorInvalidShaderList
)

// IsError reports whether the state is in the error band (>= Error).
func (s JobState) IsError() bool {
	return s >= Error
}

// Advance applies the state's monotone transition rule: within the
// non-error band a state only moves forward; an error state is always
// accepted regardless of where the job currently stands.
func Advance(current, next JobState) JobState {
	if next.IsError() {
		return next
	}
	if current.IsError() {
		return current
	}
	if next > current {
		return next
	}
	return current
}

var names = map[JobState]string{
	None:                          "None",
	Done:                          "Done",
	JobNotFound:                   "JobNotFound",
	CacheHit:                      "CacheHit",
	Error:                         "Error",
	ErrorCompile:                  "ErrorCompile",
	ErrorCompress:                 "ErrorCompress",
	ErrorFileIO:                   "ErrorFileIO",
	ErrorInvalidProfile:           "ErrorInvalidProfile",
	ErrorInvalidProject:           "ErrorInvalidProject",
	ErrorInvalidPlatform:          "ErrorInvalidPlatform",
	ErrorInvalidProgram:           "ErrorInvalidProgram",
	ErrorInvalidEntry:             "ErrorInvalidEntry",
	ErrorInvalidCompileFlags:      "ErrorInvalidCompileFlags",
	ErrorInvalidCompiler:          "ErrorInvalidCompiler",
	ErrorInvalidLanguage:          "ErrorInvalidLanguage",
	ErrorInvalidShaderRequestLine: "ErrorInvalidShaderRequestLine",
	ErrorInvalidShaderList:        "ErrorInvalidShaderList",
}

func (s JobState) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return "Unknown"
}
