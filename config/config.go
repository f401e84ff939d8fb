package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/sorintlab/pgcoord/util"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
)

var plugins = []string{"test_decoding", "wal2json"}

func Parse(configFile string) (*Config, error) {
	configData, err := ioutil.ReadFile(configFile)
	if err != nil {
		return nil, err
	}
	return ParseData(configData)
}

func ParseData(configData []byte) (*Config, error) {
	c := defaultConfig
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

type Config struct {
	Debug bool `json:"debug"`

	DB       DB       `json:"db"`
	Listener Listener `json:"listener"`
	Stream   Stream   `json:"stream"`
	Nats     Nats     `json:"nats"`
	Metrics  Metrics  `json:"metrics"`
}

var defaultConfig = Config{
	Listener: Listener{
		ConnectTimeout:       Duration(10 * time.Second),
		StopTimeout:          Duration(5 * time.Second),
		MinReconnectInterval: Duration(10 * time.Second),
		MaxReconnectInterval: Duration(time.Minute),
	},
	Stream: Stream{
		Plugin:         "test_decoding",
		PollInterval:   Duration(100 * time.Millisecond),
		IdleInterval:   Duration(time.Second),
		RetryInitial:   Duration(time.Second),
		RetryMax:       Duration(30 * time.Second),
		MaxChanges:     1000,
		Lockspace:      "pgcoord-stream",
		ConnectTimeout: Duration(10 * time.Second),
	},
	Nats: Nats{
		SubjectPrefix: "pgcoord",
	},
}

func (c *Config) Validate() error {
	if c.Listener.ConnectTimeout < 0 || c.Listener.StopTimeout < 0 {
		return errors.New("listener timeouts must be positive")
	}
	if c.Listener.MinReconnectInterval > c.Listener.MaxReconnectInterval {
		return errors.Errorf("listener minReconnectInterval (%s) greater than maxReconnectInterval (%s)", c.Listener.MinReconnectInterval, c.Listener.MaxReconnectInterval)
	}
	if c.Stream.RetryInitial > c.Stream.RetryMax {
		return errors.Errorf("stream retryInitial (%s) greater than retryMax (%s)", c.Stream.RetryInitial, c.Stream.RetryMax)
	}
	if !util.StringInSlice(plugins, c.Stream.Plugin) {
		return errors.Errorf("unsupported output plugin %q", c.Stream.Plugin)
	}
	if c.Stream.ConnectTimeout < 0 {
		return errors.New("stream connectTimeout must be positive")
	}
	if c.Stream.MaxChanges < 0 {
		return errors.New("stream maxChanges must be positive")
	}
	return nil
}

type DB struct {
	// lib/pq connection string, both url and key=value forms are accepted
	ConnString string `json:"connString"`
}

type Listener struct {
	// channels listened by the listen command
	Channels []string `json:"channels"`
	// max time to wait for the listening connection
	ConnectTimeout Duration `json:"connectTimeout"`
	// grace period before forcibly closing a listening connection on stop
	StopTimeout Duration `json:"stopTimeout"`

	MinReconnectInterval Duration `json:"minReconnectInterval"`
	MaxReconnectInterval Duration `json:"maxReconnectInterval"`
}

type Stream struct {
	// replication slot name
	Slot string `json:"slot"`
	// output plugin: test_decoding or wal2json
	Plugin string `json:"plugin"`

	PollInterval Duration `json:"pollInterval"`
	IdleInterval Duration `json:"idleInterval"`
	RetryInitial Duration `json:"retryInitial"`
	RetryMax     Duration `json:"retryMax"`
	MaxChanges   int      `json:"maxChanges"`
	// max time to wait for the slot polling connection
	ConnectTimeout Duration `json:"connectTimeout"`

	// glob patterns of the schema qualified tables to stream, empty streams
	// all the tables
	Tables []string `json:"tables"`

	// advisory lock namespace used to have a single consumer per slot
	Lockspace string `json:"lockspace"`

	// notifications on this channel wake an idle streamer, e.g. sent by a
	// trigger on the streamed tables
	WakeChannel string `json:"wakeChannel"`
}

type Nats struct {
	// when empty change events aren't forwarded
	URL           string `json:"url"`
	SubjectPrefix string `json:"subjectPrefix"`
}

type Metrics struct {
	// http listen address of the metrics endpoint, empty disables it
	Listen string `json:"listen"`
}

// Duration is a time.Duration expressed in the config as a duration string
// (e.g. "1m30s").
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("failed to parse duration %s: %v", string(b), err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("failed to parse duration %q: %v", s, err)
	}
	*d = Duration(v)
	return nil
}
