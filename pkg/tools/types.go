package tools

type ToolType string

const ToolTypeFunction ToolType = "function"

type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     ToolType     `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type ToolCallResult struct {
	Output  string `json:"output"`
	IsError bool   `json:"isError,omitempty"`
}

func ResultSuccess(output string) *ToolCallResult {
	return &ToolCallResult{Output: output}
}

func ResultError(output string) *ToolCallResult {
	return &ToolCallResult{Output: output, IsError: true}
}
