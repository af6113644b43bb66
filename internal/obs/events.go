package obs

import (
	"encoding/json"
	"time"
)

// Event is a recognized OBS event.
type Event interface {
	EventType() string
}

// SceneChanged is CurrentProgramSceneChanged.
type SceneChanged struct {
	SceneName string `json:"sceneName"`
	SceneUUID string `json:"sceneUuid,omitempty"`
}

// RecordStateChanged reports the recording output state.
type RecordStateChanged struct {
	OutputActive bool   `json:"outputActive"`
	OutputState  string `json:"outputState"`
	OutputPath   string `json:"outputPath,omitempty"`
}

// StreamStateChanged reports the streaming output state.
type StreamStateChanged struct {
	OutputActive bool   `json:"outputActive"`
	OutputState  string `json:"outputState"`
}

// ReplayBufferStateChanged reports the replay buffer output state.
type ReplayBufferStateChanged struct {
	OutputActive bool   `json:"outputActive"`
	OutputState  string `json:"outputState"`
}

// InputMuteStateChanged reports an input's mute flag.
type InputMuteStateChanged struct {
	InputName  string `json:"inputName"`
	InputUUID  string `json:"inputUuid,omitempty"`
	InputMuted bool   `json:"inputMuted"`
}

// SceneTransitionStarted is emitted when a transition begins.
type SceneTransitionStarted struct {
	TransitionName string `json:"transitionName"`
}

// SceneTransitionEnded is emitted when a transition completes.
type SceneTransitionEnded struct {
	TransitionName string `json:"transitionName"`
}

// StudioModeStateChanged reports studio mode.
type StudioModeStateChanged struct {
	StudioModeEnabled bool `json:"studioModeEnabled"`
}

// Heartbeat is the periodic status pulse some servers emit.
type Heartbeat struct {
	Recording bool    `json:"recording"`
	Streaming bool    `json:"streaming"`
	CPUUsage  float64 `json:"cpuUsage"`
}

func (SceneChanged) EventType() string             { return "CurrentProgramSceneChanged" }
func (RecordStateChanged) EventType() string       { return "RecordStateChanged" }
func (StreamStateChanged) EventType() string       { return "StreamStateChanged" }
func (ReplayBufferStateChanged) EventType() string { return "ReplayBufferStateChanged" }
func (InputMuteStateChanged) EventType() string    { return "InputMuteStateChanged" }
func (SceneTransitionStarted) EventType() string   { return "SceneTransitionStarted" }
func (SceneTransitionEnded) EventType() string     { return "SceneTransitionEnded" }
func (StudioModeStateChanged) EventType() string   { return "StudioModeStateChanged" }
func (Heartbeat) EventType() string                { return "Heartbeat" }

// Notification is a recognized event with its origin.
type Notification struct {
	Connection string    `json:"connection"`
	ReceivedAt time.Time `json:"received_at"`
	Event      Event     `json:"event"`
}

// RawEvent is every event as received, recognized or not.
type RawEvent struct {
	ConnectionName string          `json:"connection_name"`
	EventType      string          `json:"event_type"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// decodeEvent maps a known event type to its typed form. Unknown types and
// undecodable payloads return nil.
func decodeEvent(eventType string, data json.RawMessage) Event {
	var ev Event
	switch eventType {
	case "CurrentProgramSceneChanged":
		ev = decodeInto[SceneChanged](data)
	case "RecordStateChanged":
		ev = decodeInto[RecordStateChanged](data)
	case "StreamStateChanged":
		ev = decodeInto[StreamStateChanged](data)
	case "ReplayBufferStateChanged":
		ev = decodeInto[ReplayBufferStateChanged](data)
	case "InputMuteStateChanged":
		ev = decodeInto[InputMuteStateChanged](data)
	case "SceneTransitionStarted":
		ev = decodeInto[SceneTransitionStarted](data)
	case "SceneTransitionEnded":
		ev = decodeInto[SceneTransitionEnded](data)
	case "StudioModeStateChanged":
		ev = decodeInto[StudioModeStateChanged](data)
	case "Heartbeat":
		ev = decodeHeartbeat(data)
	}
	return ev
}

func decodeInto[T Event](data json.RawMessage) Event {
	var v T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil
		}
	}
	return v
}

// decodeHeartbeat also accepts the older nested stats layout.
func decodeHeartbeat(data json.RawMessage) Event {
	var hb struct {
		Heartbeat
		Stats *struct {
			CPUUsage float64 `json:"cpuUsage"`
		} `json:"stats,omitempty"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &hb); err != nil {
			return nil
		}
	}
	if hb.Stats != nil && hb.CPUUsage == 0 {
		hb.CPUUsage = hb.Stats.CPUUsage
	}
	return hb.Heartbeat
}
