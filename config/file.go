package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk config. JSON keeps the field names of the original
// config.json; .yaml/.yml files use the same keys.
type File struct {
	TwitchChannel     string            `json:"twitch_channel" yaml:"twitch_channel"`
	OAuthToken        string            `json:"oauth_token" yaml:"oauth_token"`
	BotUsername       string            `json:"bot_username" yaml:"bot_username"`
	Triggers          map[string]string `json:"triggers" yaml:"triggers"`
	ReconnectDelay    int               `json:"reconnect_delay" yaml:"reconnect_delay"`
	MaxReconnectDelay int               `json:"max_reconnect_delay" yaml:"max_reconnect_delay"`
	TriggerMode       string            `json:"trigger_mode,omitempty" yaml:"trigger_mode,omitempty"`
	SoundsDir         string            `json:"sounds_dir,omitempty" yaml:"sounds_dir,omitempty"`
}

func (f *File) apply(c *Config) {
	c.TwitchChannel = f.TwitchChannel
	c.TwitchOAuthToken = f.OAuthToken
	c.TwitchBotUsername = f.BotUsername
	c.Triggers = f.Triggers
	c.ReconnectInitialDelay = f.ReconnectDelay
	c.ReconnectMaxDelay = f.MaxReconnectDelay
	c.TriggerMode = f.TriggerMode
	c.SoundsDir = f.SoundsDir
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func unmarshal(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// LoadFile reads a config file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := unmarshal(path, data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}

// LoadTriggers reads the trigger table from path. The file is either a full
// config file with a "triggers" key or a bare phrase -> sound map.
func LoadTriggers(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var probe map[string]any
	if err := unmarshal(path, data, &probe); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if _, ok := probe["triggers"]; ok {
		var f File
		if err := unmarshal(path, data, &f); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if f.Triggers == nil {
			f.Triggers = map[string]string{}
		}
		return f.Triggers, nil
	}
	out := make(map[string]string, len(probe))
	for k, v := range probe {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("config: %s: trigger %q maps to %T, want a sound path", path, k, v)
		}
		out[k] = s
	}
	return out, nil
}

// ErrTemplateWritten is returned by EnsureFile after it created a template.
var ErrTemplateWritten = errors.New("config: template written, fill in your twitch credentials")

// Template is the config written for first-time users.
func Template() File {
	return File{
		Triggers:          map[string]string{},
		ReconnectDelay:    5,
		MaxReconnectDelay: 300,
	}
}

// EnsureFile writes Template to path when no file exists there and returns
// ErrTemplateWritten. An existing file is left alone.
func EnsureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	t := Template()
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(&t)
	} else {
		data, err = json.MarshalIndent(&t, "", "    ")
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write template: %w", err)
	}
	return ErrTemplateWritten
}
