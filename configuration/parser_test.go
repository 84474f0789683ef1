package configuration

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

type localConfiguration struct {
	Version Version `yaml:"version"`
	Log     *Log    `yaml:"log"`
	Labels  map[string]string
}

type Log struct {
	Formatter string `yaml:"formatter,omitempty"`
}

const testConfig = `version: "0.1"
log:
  formatter: "text"
labels:
  one: "1"`

func newLocalParser() *Parser {
	return NewParser("twopence", []VersionedParseInfo{
		{
			Version: "0.1",
			ParseAs: reflect.TypeOf(localConfiguration{}),
			ConversionFunc: func(c interface{}) (interface{}, error) {
				return c, nil
			},
		},
	})
}

func TestParserOverwriteInitializedPointer(t *testing.T) {
	t.Setenv("TWOPENCE_LOG_FORMATTER", "json")
	t.Setenv("TWOPENCE_LABELS_TWO", "2")

	config := localConfiguration{}
	err := newLocalParser().Parse([]byte(testConfig), &config)
	require.NoError(t, err)
	require.Equal(t, localConfiguration{
		Version: "0.1",
		Log:     &Log{Formatter: "json"},
		Labels:  map[string]string{"one": "1", "two": "2"},
	}, config)
}

func TestParserLeavesNilPointer(t *testing.T) {
	t.Setenv("TWOPENCE_LOG_FORMATTER", "json")

	config := localConfiguration{}
	err := newLocalParser().Parse([]byte(`version: "0.1"`), &config)
	require.NoError(t, err)
	require.Nil(t, config.Log)
}

func TestVersion(t *testing.T) {
	v := MajorMinorVersion(2, 7)
	require.Equal(t, Version("2.7"), v)
	require.Equal(t, uint(2), v.Major())
	require.Equal(t, uint(7), v.Minor())
	require.Equal(t, uint(0), Version("3").Minor())
}
