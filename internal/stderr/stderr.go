// Package stderr captures stderr output from C libraries
// that write directly to file descriptor 2, bypassing Go's os.Stderr.
// jj11hh/opus's libopus binding does exactly this for decoder diagnostics;
// without capture those lines land on the real terminal instead of the
// engine's own error reporting path.
package stderr

// Messages receives stderr lines captured from C libraries.
// Callers should fold these into OpusDecoderError observability rather
// than let them escape to the process's real stderr.
var Messages = make(chan string, 100)
