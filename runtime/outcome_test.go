package runtime

import (
	"strings"
	"testing"
)

func TestDescribeExit(t *testing.T) {
	tests := []struct {
		name   string
		result *ExecutorResult
		want   string
	}{
		{name: "nil", result: nil, want: "unknown"},
		{name: "signal", result: &ExecutorResult{ExitCode: -1, Signaled: true}, want: "signal"},
		{name: "clean", result: &ExecutorResult{ExitCode: ExitCodeClean}, want: "back end exited"},
		{name: "failure", result: &ExecutorResult{ExitCode: ExitCodeFailure}, want: "failed"},
		{name: "pipe open", result: &ExecutorResult{ExitCode: ExitCodePipeOpen}, want: "could not open"},
		{name: "pipe timeout", result: &ExecutorResult{ExitCode: ExitCodePipeTimeout}, want: "timed out"},
		{name: "other", result: &ExecutorResult{ExitCode: 42}, want: "code 42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DescribeExit(tt.result); !strings.Contains(got, tt.want) {
				t.Errorf("DescribeExit() = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}
