package job

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Options are the job parameters handed to the worker by the scheduler
type Options struct {
	ID           string                 `yaml:"id" json:"id"`
	Extra        map[string]interface{} `yaml:"extra" json:"extra"`
	SkipFeedback bool                   `yaml:"skip_feedback" json:"skip_feedback"`

	Type        string            `yaml:"type" json:"type"` // shell, docker
	Script      string            `yaml:"script" json:"script"`
	Args        []string          `yaml:"args" json:"args"`
	Env         map[string]string `yaml:"env" json:"env"`
	DockerImage string            `yaml:"docker_image" json:"docker_image"`
	Privileged  bool              `yaml:"privileged" json:"privileged"`

	// TimeLiving caps total job duration in seconds, 0 disables the cap
	TimeLiving int64 `yaml:"time_living" json:"time_living"`
}

// ParseOptions decodes job options. JSON input is accepted as well since it is valid YAML.
func ParseOptions(data []byte) (*Options, error) {
	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, errors.Wrap(err, "decode job options")
	}
	if opts.ID == "" {
		return nil, errors.New("job options: id is required")
	}
	if opts.Type == "" {
		opts.Type = "shell"
	}
	return &opts, nil
}

// LoadOptions reads job options from a file
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read job options")
	}
	return ParseOptions(data)
}
