package realtime

import (
	"fmt"
	"os"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/goccy/go-yaml"
)

const defaultRealtimeApiUrl = "https://api.openai.com/v1/realtime"

// AudioSettings mirror the browser-style capture constraints the local
// microphone collaborator understands.
type AudioSettings struct {
	EchoCancellation bool `json:"echo_cancellation" yaml:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression" yaml:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control" yaml:"auto_gain_control"`
	SampleRate       int  `json:"sample_rate" yaml:"sample_rate"`
}

func DefaultAudioSettings() AudioSettings {
	return AudioSettings{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       24000,
	}
}

// SessionConfig carries everything Connect needs: the session identity, the
// negotiated modalities, and the ephemeral bearer token issued by the
// credential backend.
type SessionConfig struct {
	ID           string         `json:"id" yaml:"id"`
	Model        string         `json:"model" yaml:"model"`
	ApiUrl       string         `json:"api_url" yaml:"api_url"`
	ClientSecret string         `json:"client_secret" yaml:"client_secret"`
	Modalities   []Modality     `json:"modalities" yaml:"modalities"`
	Instructions string         `json:"instructions" yaml:"instructions"`
	Voice        string         `json:"voice" yaml:"voice"`
	Audio        *AudioSettings `json:"audio,omitempty" yaml:"audio,omitempty"`
}

func (c *SessionConfig) Validate() error {
	if c.ID == "" {
		return shared.ErrNoSessionID
	}
	if c.ClientSecret == "" {
		return shared.ErrNoClientSecret
	}
	if len(c.Modalities) == 0 {
		return shared.ErrNoModalities
	}
	return nil
}

func (c *SessionConfig) wantsAudio() bool {
	for _, m := range c.Modalities {
		if m == ModalityAudio {
			return true
		}
	}
	return false
}

func (c *SessionConfig) apiUrlOrDefault() string {
	if c.ApiUrl != "" {
		return c.ApiUrl
	}
	return defaultRealtimeApiUrl
}

// SessionUpdatePayload renders the partial session object pushed over the
// control channel right after the data channel opens.
func (c *SessionConfig) SessionUpdatePayload() map[string]any {
	session := map[string]any{}
	if c.Instructions != "" {
		session["instructions"] = c.Instructions
	}
	if c.Voice != "" {
		session["voice"] = c.Voice
	}
	modalities := make([]any, 0, len(c.Modalities))
	for _, m := range c.Modalities {
		switch m {
		case ModalityText:
			modalities = append(modalities, "text")
		case ModalityAudio:
			modalities = append(modalities, "audio")
		}
	}
	session["modalities"] = modalities
	return session
}

// LoadSessionConfig reads a YAML session config file.
func LoadSessionConfig(path string) (*SessionConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading session config: %w", err)
	}
	cfg := new(SessionConfig)
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing session config: %w", err)
	}
	return cfg, nil
}
