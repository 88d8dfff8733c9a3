package audio

import "errors"

// Error kinds surfaced by a recording. Callers match them with errors.Is.
var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrAlreadyRecording  = errors.New("already recording")
	ErrAttachmentFailure = errors.New("tap attachment failed")
	ErrIO                = errors.New("i/o error")
	ErrFormatMismatch    = errors.New("buffer format mismatch")
	ErrSessionFinished   = errors.New("session already finished")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrUnsupportedFormat, "unsupported_format"},
	{ErrAlreadyRecording, "already_recording"},
	{ErrAttachmentFailure, "attachment_failure"},
	{ErrIO, "io_error"},
	{ErrFormatMismatch, "format_mismatch"},
	{ErrSessionFinished, "session_finished"},
}

// ErrorKind maps err to a stable identifier for JSON and CLI output.
// It returns "" for nil and "unknown" for errors outside the taxonomy.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "unknown"
}
