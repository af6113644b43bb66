package obs

import "encoding/json"

// OBS WebSocket v5 op codes.
const (
	OpHello                = 0
	OpIdentify             = 1
	OpIdentified           = 2
	OpReidentify           = 3
	OpEvent                = 5
	OpRequest              = 6
	OpRequestResponse      = 7
	OpRequestBatch         = 8
	OpRequestBatchResponse = 9
)

// RPCVersion is the protocol revision this client speaks.
const RPCVersion = 1

// EventSubscriptionAll subscribes to every non-high-volume event category.
const EventSubscriptionAll = 0x7FF

type message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type hello struct {
	OBSWebSocketVersion string         `json:"obsWebSocketVersion"`
	RPCVersion          int            `json:"rpcVersion"`
	Authentication      *authChallenge `json:"authentication,omitempty"`
}

type authChallenge struct {
	Challenge string `json:"challenge"`
	Salt      string `json:"salt"`
}

type identify struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions *int   `json:"eventSubscriptions,omitempty"`
}

type identified struct {
	NegotiatedRPCVersion int `json:"negotiatedRpcVersion"`
}

type eventFrame struct {
	EventType   string          `json:"eventType"`
	EventIntent int             `json:"eventIntent"`
	EventData   json.RawMessage `json:"eventData,omitempty"`
}

type requestFrame struct {
	RequestType string `json:"requestType"`
	RequestID   string `json:"requestId"`
	RequestData any    `json:"requestData,omitempty"`
}

type requestStatus struct {
	Result  bool   `json:"result"`
	Code    int    `json:"code"`
	Comment string `json:"comment,omitempty"`
}

type responseFrame struct {
	RequestType   string          `json:"requestType"`
	RequestID     string          `json:"requestId"`
	RequestStatus requestStatus   `json:"requestStatus"`
	ResponseData  json.RawMessage `json:"responseData,omitempty"`
}

func encodeMessage(op int, d any) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(message{Op: op, D: raw})
}
