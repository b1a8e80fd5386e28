// Package config builds the service configuration.
// Flags set on the command line win over CALLRELAY_* environment variables,
// which win over the optional YAML file, which wins over flag defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "CALLRELAY"

var (
	ErrInvalid = errors.New("invalid configuration")
)

type Config struct {
	APIListenAddr  string
	WSListenAddr   string
	LogLevel       zerolog.Level
	RingTimeout    time.Duration
	SendBuffer     int
	MaxMessageSize int64
	PingInterval   time.Duration
	ICEServers     []webrtc.ICEServer
}

// Load parses args and resolves the final configuration.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("callrelay", pflag.ContinueOnError)
	fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
	fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
	fs.StringP("log-level", "l", "info", "log level")
	fs.Duration("ring-timeout", 0, "end unanswered calls after this long, 0 disables")
	fs.Int("send-buffer", 64, "outbound messages queued per connection")
	fs.Int64("max-message-size", 64*1024, "max inbound websocket message size in bytes")
	fs.Duration("ping-interval", 5*time.Second, "websocket keepalive ping interval")
	fs.StringSlice("ice-urls", []string{"stun:stun.l.google.com:19302"}, "STUN/TURN urls handed to clients")
	fs.String("turn-username", "", "username for turn urls")
	fs.String("turn-credential", "", "credential for turn urls")
	configFile := fs.StringP("config", "c", "", "optional yaml config file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", *configFile, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	lvl, err := zerolog.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	cfg := &Config{
		APIListenAddr:  v.GetString("api-listen-addr"),
		WSListenAddr:   v.GetString("ws-listen-addr"),
		LogLevel:       lvl,
		RingTimeout:    v.GetDuration("ring-timeout"),
		SendBuffer:     v.GetInt("send-buffer"),
		MaxMessageSize: v.GetInt64("max-message-size"),
		PingInterval:   v.GetDuration("ping-interval"),
	}
	switch {
	case cfg.RingTimeout < 0:
		return nil, fmt.Errorf("%w: negative ring-timeout", ErrInvalid)
	case cfg.SendBuffer <= 0:
		return nil, fmt.Errorf("%w: send-buffer must be positive", ErrInvalid)
	case cfg.MaxMessageSize <= 0:
		return nil, fmt.Errorf("%w: max-message-size must be positive", ErrInvalid)
	case cfg.PingInterval <= 0:
		return nil, fmt.Errorf("%w: ping-interval must be positive", ErrInvalid)
	}

	cfg.ICEServers, err = iceServers(
		v.GetStringSlice("ice-urls"),
		v.GetString("turn-username"),
		v.GetString("turn-credential"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// iceServers groups stun urls into one entry and turn urls, which need
// credentials, into another.
func iceServers(urls []string, username, credential string) ([]webrtc.ICEServer, error) {
	var stun, turn []string
	for _, raw := range urls {
		// env and yaml values may come as one comma separated string
		for _, u := range strings.Split(raw, ",") {
			u = strings.TrimSpace(u)
			switch {
			case u == "":
			case strings.HasPrefix(u, "stun:"), strings.HasPrefix(u, "stuns:"):
				stun = append(stun, u)
			case strings.HasPrefix(u, "turn:"), strings.HasPrefix(u, "turns:"):
				turn = append(turn, u)
			default:
				return nil, fmt.Errorf("%w: unsupported ice url %q", ErrInvalid, u)
			}
		}
	}

	var out []webrtc.ICEServer
	if len(stun) > 0 {
		out = append(out, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		if username == "" || credential == "" {
			return nil, fmt.Errorf("%w: turn urls need turn-username and turn-credential", ErrInvalid)
		}
		out = append(out, webrtc.ICEServer{URLs: turn, Username: username, Credential: credential})
	}
	return out, nil
}
