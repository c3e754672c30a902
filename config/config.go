// Package config loads client.Options from a file and MESH_* environment
// variables.
//
// Example config.yaml:
//
//	endpoints: [etcd-0:2379, etcd-1:2379]
//	namespace: /mesh/prod
//	app_name: billing
//	retry:
//	  max_attempts: 10
//	  delay: 1s
//	call_deadline: 30s
//	codec: binary
//	balancer: round_robin
//	rate_limit:
//	  rps: 500
//	  burst: 50
//
// Every key can be overridden from the environment, with dots replaced by
// underscores: MESH_RETRY_DELAY=250ms, MESH_ENDPOINTS=a:2379,b:2379.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"mini-mesh/client"
	"mini-mesh/codec"
	"mini-mesh/loadbalance"
)

// File mirrors the config file layout.
type File struct {
	Endpoints            []string      `mapstructure:"endpoints"`
	Namespace            string        `mapstructure:"namespace"`
	Host                 string        `mapstructure:"host"`
	ListenHost           string        `mapstructure:"listen_host"`
	ListenPort           int           `mapstructure:"listen_port"`
	Retry                Retry         `mapstructure:"retry"`
	CallDeadline         time.Duration `mapstructure:"call_deadline"`
	ForceShutdownTimeout time.Duration `mapstructure:"force_shutdown_timeout"`
	SessionTTL           time.Duration `mapstructure:"session_ttl"`
	DialTimeout          time.Duration `mapstructure:"dial_timeout"`
	AppName              string        `mapstructure:"app_name"`
	Token                string        `mapstructure:"token"`
	FailFast             bool          `mapstructure:"fail_fast"`
	Codec                string        `mapstructure:"codec"`
	Balancer             string        `mapstructure:"balancer"`
	RateLimit            RateLimit     `mapstructure:"rate_limit"`
	HandlerTimeout       time.Duration `mapstructure:"handler_timeout"`
}

type Retry struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
}

type RateLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("endpoints", []string{"127.0.0.1:2379"})
	v.SetDefault("namespace", "")
	v.SetDefault("host", "")
	v.SetDefault("listen_host", "")
	v.SetDefault("listen_port", 0)
	v.SetDefault("retry.max_attempts", client.DefaultRetryMaxAttempts)
	v.SetDefault("retry.delay", client.DefaultRetryDelay)
	v.SetDefault("call_deadline", client.DefaultCallDeadline)
	v.SetDefault("force_shutdown_timeout", client.DefaultForceShutdownTimeout)
	v.SetDefault("session_ttl", client.DefaultSessionTTL)
	v.SetDefault("dial_timeout", client.DefaultDialTimeout)
	v.SetDefault("app_name", "")
	v.SetDefault("token", "")
	v.SetDefault("fail_fast", false)
	v.SetDefault("codec", "json")
	v.SetDefault("balancer", "random")
	v.SetDefault("rate_limit.rps", 0.0)
	v.SetDefault("rate_limit.burst", 0)
	v.SetDefault("handler_timeout", time.Duration(0))
}

// Read returns the merged file, environment and default settings. An empty
// path reads only the environment.
func Read(path string) (File, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return File{}, fmt.Errorf("config: %s not found", path)
			}
			return File{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return File{}, fmt.Errorf("config: decode: %w", err)
	}
	return f, nil
}

// Options converts f to client options. Hooks, the logger, middlewares and
// tracing are left for the caller to set.
func (f File) Options() (client.Options, error) {
	ct, err := codec.ParseCodecType(f.Codec)
	if err != nil {
		return client.Options{}, fmt.Errorf("config: %w", err)
	}
	b, err := loadbalance.New(f.Balancer)
	if err != nil {
		return client.Options{}, fmt.Errorf("config: %w", err)
	}
	if f.ListenPort < 0 || f.ListenPort > 65535 {
		return client.Options{}, fmt.Errorf("config: listen_port %d out of range", f.ListenPort)
	}
	return client.Options{
		Endpoints:            f.Endpoints,
		Namespace:            f.Namespace,
		Host:                 f.Host,
		ListenHost:           f.ListenHost,
		ListenPort:           f.ListenPort,
		RetryMaxAttempts:     f.Retry.MaxAttempts,
		RetryDelay:           f.Retry.Delay,
		CallDeadline:         f.CallDeadline,
		ForceShutdownTimeout: f.ForceShutdownTimeout,
		SessionTTL:           f.SessionTTL,
		DialTimeout:          f.DialTimeout,
		AppName:              f.AppName,
		Token:                f.Token,
		FailFast:             f.FailFast,
		Codec:                ct,
		Balancer:             b,
		RateLimit:            f.RateLimit.RPS,
		RateBurst:            f.RateLimit.Burst,
		HandlerTimeout:       f.HandlerTimeout,
	}, nil
}

// Load reads path and returns the resulting client options.
func Load(path string) (client.Options, error) {
	f, err := Read(path)
	if err != nil {
		return client.Options{}, err
	}
	return f.Options()
}
