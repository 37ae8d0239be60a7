package relay

// Client to server message types
const (
	MsgAuthenticate = "authenticate"
	MsgConnect      = "connect"
	MsgCommand      = "command"
	MsgDisconnect   = "disconnect"
)

// Server to client message types
const (
	MsgAuthenticated = "authenticated"
	MsgStatus        = "status"
	MsgOutput        = "output"
	MsgError         = "error"
)

// ConnectConfig selects the tunnel target inside a session's allowed scope
type ConnectConfig struct {
	ResourceRef string `json:"resource_ref"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
}

// ClientMessage is a frame received from a relay client
type ClientMessage struct {
	Type    string         `json:"type"`
	Token   string         `json:"token,omitempty"`
	Config  *ConnectConfig `json:"config,omitempty"`
	Command string         `json:"command,omitempty"`
}

// ServerMessage is a frame pushed to a relay client
type ServerMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    string `json:"data,omitempty"`
}
