package conversation

import "strings"

// testCommands are the substrings of a Bash command that mark a test run.
var testCommands = []string{"dotnet test", "npm test", "pytest", "yarn test"}

// errorMarkers are the substrings of a tool result that mark a failure.
var errorMarkers = []string{"error", "exception", "failed"}

// ClassifyToolUse classifies a tool_use block. Bash invocations are
// inspected for git commits and test runs; everything else is a plain
// tool use. All matching is case-insensitive substring matching.
func ClassifyToolUse(toolName, command string) ObservationType {
	if !strings.EqualFold(toolName, "Bash") {
		return ObservationToolUse
	}
	lower := strings.ToLower(command)
	if strings.Contains(lower, "git commit") {
		return ObservationGitCommit
	}
	for _, tc := range testCommands {
		if strings.Contains(lower, tc) {
			return ObservationTestResult
		}
	}
	return ObservationToolUse
}

// ClassifyToolResult classifies a tool_result block by its content.
func ClassifyToolResult(content string) ObservationType {
	lower := strings.ToLower(content)
	for _, m := range errorMarkers {
		if strings.Contains(lower, m) {
			return ObservationError
		}
	}
	return ObservationToolResult
}

// filePathKeys are the tool-input keys that may carry a file path, in
// lookup order.
var filePathKeys = []string{"path", "file_path", "filename"}

// ExtractFilePath pulls a file path out of a decoded tool input. Returns
// nil when none of the known keys holds a non-empty string.
func ExtractFilePath(input map[string]any) *string {
	for _, key := range filePathKeys {
		if v, ok := input[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return &s
			}
		}
	}
	return nil
}
