package runtime

import "fmt"

// Exit codes of a session back end.
const (
	ExitCodeClean       = 0 // session ended normally
	ExitCodeFailure     = 1 // attach, store or executor failure
	ExitCodePipeOpen    = 2 // front end socket path unusable
	ExitCodePipeTimeout = 3 // front end socket never appeared
)

// DescribeExit summarizes how a back end process ended, for crash reports.
func DescribeExit(result *ExecutorResult) string {
	if result == nil {
		return "back end exit status unknown"
	}
	if result.Signaled {
		return "back end killed by signal"
	}
	switch result.ExitCode {
	case ExitCodeClean:
		return "back end exited"
	case ExitCodeFailure:
		return "back end failed"
	case ExitCodePipeOpen:
		return "back end could not open the front end socket"
	case ExitCodePipeTimeout:
		return "back end timed out connecting to the front end"
	default:
		return fmt.Sprintf("back end exited with unexpected code %d", result.ExitCode)
	}
}
