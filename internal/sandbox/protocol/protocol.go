// Package protocol defines the guest-agent wire contract shared by the
// host-side vsock client, the sandbox HTTP facade, and the in-VM guest
// binary. Messages are length-prefixed JSON frames; see frame.go.
package protocol

// GuestPort is the vsock port the guest agent listens on.
const GuestPort = 52

// RequestType identifies one guest operation.
type RequestType string

const (
	TypePython     RequestType = "python"
	TypeBash       RequestType = "bash"
	TypeWriteFile  RequestType = "write_file"
	TypeReadFile   RequestType = "read_file"
	TypeWriteFileB RequestType = "write_file_b"
	TypeReadFileB  RequestType = "read_file_b"
	TypeListFiles  RequestType = "list_files"
	TypeInstall    RequestType = "install"
	TypeGetState   RequestType = "get_state"
	TypeReset      RequestType = "reset"
	TypePing       RequestType = "ping"
	TypeShutdown   RequestType = "shutdown"
)

// Request is one framed request to the guest agent. The id is echoed on
// the response so the host can correlate concurrent requests.
type Request struct {
	ID   uint64      `json:"id"`
	Type RequestType `json:"type"`

	// Code for python requests.
	Code string `json:"code,omitempty"`

	// Command for bash requests.
	Command string `json:"command,omitempty"`

	// Path for file requests; Content holds UTF-8 text for write_file and
	// base64 for write_file_b.
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`

	// Packages for install requests.
	Packages []string `json:"packages,omitempty"`

	// Timeout in seconds; zero means the guest default.
	Timeout int `json:"timeout,omitempty"`
}

// Output block types.
const (
	OutputText   = "text"
	OutputStderr = "stderr"
	OutputError  = "error"
	OutputImage  = "image"
	OutputFile   = "file"
)

// Output is one typed block of execution output. Images carry base64 PNG
// content with Format "png".
type Output struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	Name     string `json:"name,omitempty"`
	Format   string `json:"format,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

// Response is one framed response from the guest agent. Output mirrors
// flat stdout for older clients; Outputs carries the typed blocks.
type Response struct {
	ID            uint64   `json:"id"`
	Success       bool     `json:"success"`
	Outputs       []Output `json:"outputs,omitempty"`
	Output        string   `json:"output"`
	Stderr        string   `json:"stderr,omitempty"`
	Error         string   `json:"error,omitempty"`
	ExecutionTime float64  `json:"execution_time"`
	CellID        string   `json:"cell_id,omitempty"`
	ExitCode      int      `json:"exit_code,omitempty"`

	// Ping fields.
	Pong      bool `json:"pong,omitempty"`
	ExecCount int  `json:"exec_count,omitempty"`

	// Files for list_files; state for get_state.
	Files []FileInfo        `json:"files,omitempty"`
	State map[string]string `json:"state,omitempty"`
}

// FileInfo is one list_files entry.
type FileInfo struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

// Stdout returns the flat text output, preferring the typed blocks.
func (r *Response) Stdout() string {
	if r == nil {
		return ""
	}
	var out string
	for _, block := range r.Outputs {
		if block.Type == OutputText {
			out += block.Content
		}
	}
	if out != "" {
		return out
	}
	return r.Output
}

// Images returns the image outputs in order.
func (r *Response) Images() []Output {
	if r == nil {
		return nil
	}
	var images []Output
	for _, block := range r.Outputs {
		if block.Type == OutputImage {
			images = append(images, block)
		}
	}
	return images
}
