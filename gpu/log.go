package gpu

import "fmt"

// Debug enables verbose logging of buffer allocation and dispatch.
var Debug bool

// Logger receives GPU diagnostics. Defaults to stdout.
var Logger = func(msg string) { fmt.Println(msg) }

// Log prints a formatted diagnostic line prefixed with [GPU] when Debug is set.
func Log(format string, args ...any) {
	if !Debug || Logger == nil {
		return
	}
	Logger("[GPU] " + fmt.Sprintf(format, args...))
}
