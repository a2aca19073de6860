package terminal

// InputType identifies a terminal WebSocket request.
type InputType string

const (
	InputCommand     InputType = "command"
	InputView        InputType = "view"
	InputViewLast    InputType = "view_last"
	InputKillProcess InputType = "kill_process"
	InputReset       InputType = "reset"
	InputResetAll    InputType = "reset_all"
)

// CommandMode selects how a command message drives the shell.
type CommandMode string

const (
	ModeRun         CommandMode = "run"
	ModeSendLine    CommandMode = "send_line"
	ModeSendKey     CommandMode = "send_key"
	ModeSendControl CommandMode = "send_control"
)

// OutputType identifies a terminal WebSocket response frame.
type OutputType string

const (
	OutputUpdate        OutputType = "update"
	OutputPartialFinish OutputType = "partial_finish"
	OutputFinish        OutputType = "finish"
	OutputActionFinish  OutputType = "action_finish"
	OutputHistory       OutputType = "history"
	OutputError         OutputType = "error"
)

// Status reports whether a terminal has a command in flight.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusUnknown Status = "unknown"
)

// InputMessage is one client frame on the terminal WebSocket.
type InputMessage struct {
	Type     InputType   `json:"type"`
	Terminal string      `json:"terminal"`
	ActionID string      `json:"action_id"`
	Command  string      `json:"command,omitempty"`
	Mode     CommandMode `json:"mode,omitempty"`
	ExecDir  string      `json:"exec_dir,omitempty"`
}

// OutputMessage is one server frame on the terminal WebSocket. Every frame
// echoes the terminal name and action_id of the input that produced it.
type OutputMessage struct {
	Type            OutputType `json:"type"`
	Terminal        string     `json:"terminal"`
	ActionID        string     `json:"action_id"`
	SubCommandIndex int        `json:"sub_command_index"`
	Result          string     `json:"result,omitempty"`
	Output          []string   `json:"output"`
	TerminalStatus  Status     `json:"terminal_status"`
}

// Response builds an output frame correlated to this input.
func (m *InputMessage) Response(t OutputType, result string, output []string, status Status, subCommandIndex int) *OutputMessage {
	if output == nil {
		output = []string{}
	}
	return &OutputMessage{
		Type:            t,
		Terminal:        m.Terminal,
		ActionID:        m.ActionID,
		SubCommandIndex: subCommandIndex,
		Result:          result,
		Output:          output,
		TerminalStatus:  status,
	}
}

// WriteRequest is the body of the terminal REST write endpoint.
type WriteRequest struct {
	Text  string `json:"text"`
	Enter *bool  `json:"enter,omitempty"`
}

// APIResponse is the common shape of the terminal REST endpoints.
type APIResponse struct {
	Status     string   `json:"status"`
	Error      string   `json:"error,omitempty"`
	Output     []string `json:"output"`
	Result     string   `json:"result"`
	TerminalID string   `json:"terminal_id"`
}
