package frames

import "fmt"

// ExtractionError reports a failed video → frames conversion, with ffmpeg's diagnostics attached.
type ExtractionError struct {
	Video  string
	Output string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract frames from %s: %v", e.Video, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ProcessLogs returns what ffmpeg printed before failing.
func (e *ExtractionError) ProcessLogs() string { return e.Output }

// AssemblyError reports a failed frames → video conversion.
type AssemblyError struct {
	Dir    string
	Output string
	Logs   string
	Err    error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("reassemble %s into %s: %v", e.Dir, e.Output, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

func (e *AssemblyError) ProcessLogs() string { return e.Logs }
