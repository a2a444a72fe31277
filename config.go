package emf

import (
	"fmt"

	"github.com/spf13/viper"
)

// DefaultNamespace is used when no namespace is configured.
const DefaultNamespace = "aws-embedded-metrics"

// envPrefix maps config keys to AWS_EMF_* environment variables.
const envPrefix = "AWS_EMF"

// Config describes the documents an application emits and where they go.
type Config struct {
	LogGroupName  string
	LogStreamName string
	Namespace     string
	ServiceName   string
	ServiceType   string
	// AgentEndpoint is the agent connection string, e.g. tcp://127.0.0.1:25888.
	AgentEndpoint string
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{Namespace: DefaultNamespace}
}

// LoadConfig reads configuration from AWS_EMF_* environment variables and,
// when path is not empty, from a config file. Environment variables win.
//
//	AWS_EMF_LOG_GROUP_NAME   log_group_name
//	AWS_EMF_LOG_STREAM_NAME  log_stream_name
//	AWS_EMF_NAMESPACE        namespace
//	AWS_EMF_SERVICE_NAME     service_name
//	AWS_EMF_SERVICE_TYPE     service_type
//	AWS_EMF_AGENT_ENDPOINT   agent_endpoint
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetDefault("namespace", DefaultNamespace)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	return &Config{
		LogGroupName:  v.GetString("log_group_name"),
		LogStreamName: v.GetString("log_stream_name"),
		Namespace:     v.GetString("namespace"),
		ServiceName:   v.GetString("service_name"),
		ServiceType:   v.GetString("service_type"),
		AgentEndpoint: v.GetString("agent_endpoint"),
	}, nil
}
