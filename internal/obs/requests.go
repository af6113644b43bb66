package obs

import (
	"context"
	"encoding/json"
)

// RecordStatus is GetRecordStatus.
type RecordStatus struct {
	OutputActive   bool   `json:"outputActive"`
	OutputPaused   bool   `json:"outputPaused"`
	OutputTimecode string `json:"outputTimecode"`
	OutputDuration int64  `json:"outputDuration"`
	OutputBytes    int64  `json:"outputBytes"`
}

// StreamStatus is GetStreamStatus.
type StreamStatus struct {
	OutputActive        bool    `json:"outputActive"`
	OutputReconnecting  bool    `json:"outputReconnecting"`
	OutputTimecode      string  `json:"outputTimecode"`
	OutputDuration      int64   `json:"outputDuration"`
	OutputCongestion    float64 `json:"outputCongestion"`
	OutputBytes         int64   `json:"outputBytes"`
	OutputSkippedFrames int64   `json:"outputSkippedFrames"`
	OutputTotalFrames   int64   `json:"outputTotalFrames"`
}

// Scene is one entry of GetSceneList.
type Scene struct {
	SceneName  string `json:"sceneName"`
	SceneUUID  string `json:"sceneUuid,omitempty"`
	SceneIndex int    `json:"sceneIndex"`
}

// SceneList is GetSceneList.
type SceneList struct {
	CurrentProgramSceneName string  `json:"currentProgramSceneName"`
	CurrentPreviewSceneName string  `json:"currentPreviewSceneName,omitempty"`
	Scenes                  []Scene `json:"scenes"`
}

// ProfileParameter is GetProfileParameter.
type ProfileParameter struct {
	ParameterValue        string `json:"parameterValue"`
	DefaultParameterValue string `json:"defaultParameterValue"`
}

// Version is GetVersion.
type Version struct {
	OBSVersion          string   `json:"obsVersion"`
	OBSWebSocketVersion string   `json:"obsWebSocketVersion"`
	RPCVersion          int      `json:"rpcVersion"`
	AvailableRequests   []string `json:"availableRequests,omitempty"`
	Platform            string   `json:"platform"`
	PlatformDescription string   `json:"platformDescription"`
}

// Stats is GetStats.
type Stats struct {
	CPUUsage               float64 `json:"cpuUsage"`
	MemoryUsage            float64 `json:"memoryUsage"`
	AvailableDiskSpace     float64 `json:"availableDiskSpace"`
	ActiveFPS              float64 `json:"activeFps"`
	AverageFrameRenderTime float64 `json:"averageFrameRenderTime"`
	RenderSkippedFrames    int64   `json:"renderSkippedFrames"`
	RenderTotalFrames      int64   `json:"renderTotalFrames"`
	OutputSkippedFrames    int64   `json:"outputSkippedFrames"`
	OutputTotalFrames      int64   `json:"outputTotalFrames"`
}

func (c *Client) StartRecord(ctx context.Context) error {
	return c.Call(ctx, "StartRecord", nil, nil)
}

// StopRecord stops recording and returns the written file path.
func (c *Client) StopRecord(ctx context.Context) (string, error) {
	var out struct {
		OutputPath string `json:"outputPath"`
	}
	err := c.Call(ctx, "StopRecord", nil, &out)
	return out.OutputPath, err
}

// ToggleRecord flips recording and returns the new state.
func (c *Client) ToggleRecord(ctx context.Context) (bool, error) {
	var out struct {
		OutputActive bool `json:"outputActive"`
	}
	err := c.Call(ctx, "ToggleRecord", nil, &out)
	return out.OutputActive, err
}

func (c *Client) RecordStatus(ctx context.Context) (RecordStatus, error) {
	var out RecordStatus
	err := c.Call(ctx, "GetRecordStatus", nil, &out)
	return out, err
}

func (c *Client) StartStream(ctx context.Context) error {
	return c.Call(ctx, "StartStream", nil, nil)
}

func (c *Client) StopStream(ctx context.Context) error {
	return c.Call(ctx, "StopStream", nil, nil)
}

func (c *Client) StreamStatus(ctx context.Context) (StreamStatus, error) {
	var out StreamStatus
	err := c.Call(ctx, "GetStreamStatus", nil, &out)
	return out, err
}

func (c *Client) StartReplayBuffer(ctx context.Context) error {
	return c.Call(ctx, "StartReplayBuffer", nil, nil)
}

func (c *Client) StopReplayBuffer(ctx context.Context) error {
	return c.Call(ctx, "StopReplayBuffer", nil, nil)
}

func (c *Client) SaveReplayBuffer(ctx context.Context) error {
	return c.Call(ctx, "SaveReplayBuffer", nil, nil)
}

// LastReplayBufferReplay returns the path of the last saved replay.
func (c *Client) LastReplayBufferReplay(ctx context.Context) (string, error) {
	var out struct {
		SavedReplayPath string `json:"savedReplayPath"`
	}
	err := c.Call(ctx, "GetLastReplayBufferReplay", nil, &out)
	return out.SavedReplayPath, err
}

// ReplayBufferStatus reports whether the replay buffer is active.
func (c *Client) ReplayBufferStatus(ctx context.Context) (bool, error) {
	var out struct {
		OutputActive bool `json:"outputActive"`
	}
	err := c.Call(ctx, "GetReplayBufferStatus", nil, &out)
	return out.OutputActive, err
}

func (c *Client) SceneList(ctx context.Context) (SceneList, error) {
	var out SceneList
	err := c.Call(ctx, "GetSceneList", nil, &out)
	return out, err
}

// CurrentProgramScene returns the program scene name.
func (c *Client) CurrentProgramScene(ctx context.Context) (string, error) {
	var out struct {
		SceneName               string `json:"sceneName"`
		CurrentProgramSceneName string `json:"currentProgramSceneName"`
	}
	if err := c.Call(ctx, "GetCurrentProgramScene", nil, &out); err != nil {
		return "", err
	}
	if out.SceneName != "" {
		return out.SceneName, nil
	}
	return out.CurrentProgramSceneName, nil
}

func (c *Client) SetCurrentProgramScene(ctx context.Context, scene string) error {
	return c.Call(ctx, "SetCurrentProgramScene", map[string]string{"sceneName": scene}, nil)
}

func (c *Client) ProfileParameter(ctx context.Context, category, name string) (ProfileParameter, error) {
	var out ProfileParameter
	err := c.Call(ctx, "GetProfileParameter", map[string]string{
		"parameterCategory": category,
		"parameterName":     name,
	}, &out)
	return out, err
}

func (c *Client) SetProfileParameter(ctx context.Context, category, name, value string) error {
	return c.Call(ctx, "SetProfileParameter", map[string]string{
		"parameterCategory": category,
		"parameterName":     name,
		"parameterValue":    value,
	}, nil)
}

func (c *Client) Version(ctx context.Context) (Version, error) {
	var out Version
	err := c.Call(ctx, "GetVersion", nil, &out)
	return out, err
}

// Stats fetches GetStats and refreshes the cached CPU usage.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	if err := c.Call(ctx, "GetStats", nil, &out); err != nil {
		return out, err
	}
	c.mu.Lock()
	c.heartbeat.CPUUsage = out.CPUUsage
	c.mu.Unlock()
	return out, nil
}

func (c *Client) RecordDirectory(ctx context.Context) (string, error) {
	var out struct {
		RecordDirectory string `json:"recordDirectory"`
	}
	err := c.Call(ctx, "GetRecordDirectory", nil, &out)
	return out.RecordDirectory, err
}

func (c *Client) SetRecordDirectory(ctx context.Context, dir string) error {
	return c.Call(ctx, "SetRecordDirectory", map[string]string{"recordDirectory": dir}, nil)
}

func (c *Client) InputMute(ctx context.Context, input string) (bool, error) {
	var out struct {
		InputMuted bool `json:"inputMuted"`
	}
	err := c.Call(ctx, "GetInputMute", map[string]string{"inputName": input}, &out)
	return out.InputMuted, err
}

func (c *Client) SetInputMute(ctx context.Context, input string, muted bool) error {
	return c.Call(ctx, "SetInputMute", map[string]any{"inputName": input, "inputMuted": muted}, nil)
}

func (c *Client) StudioModeEnabled(ctx context.Context) (bool, error) {
	var out struct {
		StudioModeEnabled bool `json:"studioModeEnabled"`
	}
	err := c.Call(ctx, "GetStudioModeEnabled", nil, &out)
	return out.StudioModeEnabled, err
}

// Send issues an arbitrary request and returns the raw responseData.
func (c *Client) Send(ctx context.Context, requestType string, body any) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.Call(ctx, requestType, body, &out)
	return out, err
}
