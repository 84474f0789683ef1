package configuration

import (
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"
)

// Configuration is a versioned twopence image tool configuration, intended to
// be provided by a yaml file, and optionally modified by environment variables
type Configuration struct {
	// Version is the version which defines the format of the rest of the configuration
	Version Version `yaml:"version"`

	// Log supports setting various parameters related to the logging
	// subsystem.
	Log struct {
		// Level is the granularity at which operations are logged.
		Level Loglevel `yaml:"level,omitempty"`

		// Formatter overrides the default formatter with another. Options
		// include "text", "json" and "logstash".
		Formatter string `yaml:"formatter,omitempty"`

		// Fields allows users to specify static string fields to include in
		// the logger context.
		Fields map[string]interface{} `yaml:"fields,omitempty"`
	} `yaml:"log"`

	// Images configures how image stores are reached.
	Images Images `yaml:"images"`
}

// Images holds the settings shared by all image stores.
type Images struct {
	// Architecture selects the manifest picked from an image index.
	Architecture string `yaml:"architecture,omitempty"`

	// OS narrows the manifest selection further. Empty matches any.
	OS string `yaml:"os,omitempty"`

	// CacheDir is the root of the blob cache. The cache is disabled when
	// empty.
	CacheDir string `yaml:"cachedir,omitempty"`

	// DefaultRegistry is the registry URL used for image names without a
	// host.
	DefaultRegistry string `yaml:"defaultregistry,omitempty"`

	// Keystore is the path of a Docker client config file holding
	// registry credentials.
	Keystore string `yaml:"keystore,omitempty"`

	// Timeout bounds every registry request.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Transports holds per transport parameters, keyed by scheme.
	Transports Transports `yaml:"transports,omitempty"`
}

// v0_1Configuration is a Version 0.1 Configuration struct
// This is currently aliased to Configuration, as it is the current version
type v0_1Configuration Configuration

// CurrentVersion is the most recent Version that can be parsed
var CurrentVersion = MajorMinorVersion(0, 1)

// Defaults applied to settings left empty.
const (
	DefaultArchitecture = "amd64"
	DefaultCacheDir     = ".cache"
	DefaultTimeout      = 60 * time.Second
)

// Loglevel is the level at which operations are logged
// This can be error, warn, info, or debug
type Loglevel string

// UnmarshalYAML implements the yaml.Umarshaler interface
// Unmarshals a string into a Loglevel, lowercasing the string and validating that it represents a
// valid loglevel
func (loglevel *Loglevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var loglevelString string
	err := unmarshal(&loglevelString)
	if err != nil {
		return err
	}

	loglevelString = strings.ToLower(loglevelString)
	switch loglevelString {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("invalid loglevel %s Must be one of [error, warn, info, debug]", loglevelString)
	}

	*loglevel = Loglevel(loglevelString)
	return nil
}

// Parameters defines a key-value parameters mapping
type Parameters map[string]interface{}

// Transports maps a transport scheme to its parameters.
type Transports map[string]Parameters

// Parameters returns the parameters of every transport in the form image
// stores decode them from.
func (transports Transports) Parameters() map[string]map[string]interface{} {
	if len(transports) == 0 {
		return nil
	}
	params := make(map[string]map[string]interface{}, len(transports))
	for scheme, p := range transports {
		params[scheme] = p
	}
	return params
}

// Default returns the configuration used when no file is given.
func Default() *Configuration {
	config := &Configuration{Version: CurrentVersion}
	setDefaults(config)
	return config
}

func setDefaults(config *Configuration) {
	if config.Log.Level == "" {
		config.Log.Level = Loglevel("info")
	}
	if config.Images.Architecture == "" {
		config.Images.Architecture = DefaultArchitecture
	}
	if config.Images.CacheDir == "" {
		config.Images.CacheDir = DefaultCacheDir
	}
	if config.Images.Timeout == 0 {
		config.Images.Timeout = DefaultTimeout
	}
}

// Parse parses an input configuration yaml document into a Configuration struct
// This should generally be capable of handling old configuration format versions
//
// Environment variables may be used to override configuration parameters other than version,
// following the scheme below:
// Configuration.Abc may be replaced by the value of TWOPENCE_ABC,
// Configuration.Abc.Xyz may be replaced by the value of TWOPENCE_ABC_XYZ, and so forth
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	p := NewParser("twopence", []VersionedParseInfo{
		{
			Version: MajorMinorVersion(0, 1),
			ParseAs: reflect.TypeOf(v0_1Configuration{}),
			ConversionFunc: func(c interface{}) (interface{}, error) {
				if v0_1, ok := c.(*v0_1Configuration); ok {
					if v0_1.Images.Timeout < 0 {
						return nil, fmt.Errorf("negative image timeout %s", v0_1.Images.Timeout)
					}
					setDefaults((*Configuration)(v0_1))
					return (*Configuration)(v0_1), nil
				}
				return nil, fmt.Errorf("expected *v0_1Configuration, received %#v", c)
			},
		},
	})

	config := new(Configuration)
	err = p.Parse(in, config)
	if err != nil {
		return nil, err
	}

	return config, nil
}
