package supervisor

import "fmt"

// ServerKey is the top-level object the server merges into the runtime
// config file once it is listening.
const ServerKey = "langkit_server"

// Endpoints holds the ports the server reported through the runtime config
// file. Immutable once captured for a process instance.
type Endpoints struct {
	FrontendPort int  `json:"frontend_port"`
	APIPort      int  `json:"api_port"`
	WSPort       int  `json:"ws_port"`
	SinglePort   bool `json:"single_port,omitempty"`
	Port         int  `json:"port,omitempty"`
}

// FrontendURL builds the URL the embedding host should open, preferring
// the combined port in single-port mode.
func (e *Endpoints) FrontendURL() string {
	port := e.FrontendPort
	if e.SinglePort && e.Port > 0 {
		port = e.Port
	}
	if port <= 0 {
		return ""
	}
	return fmt.Sprintf("http://localhost:%d", port)
}
