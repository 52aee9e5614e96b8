package control

import "encoding/json"

// message is the generic shape of anything read off the control socket.
// The three variants (greeting, response, event) are discriminated by
// which key is present, per the QMP wire protocol.
type message struct {
	QMP    json.RawMessage `json:"QMP,omitempty"`
	Return json.RawMessage `json:"return,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (m message) isGreeting() bool {
	return m.QMP != nil
}

func (m message) isResponse() bool {
	return m.Return != nil || m.Error != nil
}

func (m message) isEvent() bool {
	return m.Event != ""
}

// request is a command sent to the hypervisor.
type request struct {
	Execute   string      `json:"execute"`
	Arguments interface{} `json:"arguments,omitempty"`
}

var (
	reqCapabilities = request{Execute: "qmp_capabilities"}
	reqPowerdown    = request{Execute: "system_powerdown"}
)
