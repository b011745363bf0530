package engine

import (
	"io"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// LaunchConfig describes how to start the test-runner subprocess for a job
// (spec.md §4.2): the command to run and the environment it inherits.
type LaunchConfig struct {
	Command struct {
		Path    string            `json:"path"`
		Args    []string          `json:"args,omitempty"`
		Env     map[string]string `json:"env,omitempty"`
		Timeout string            `json:"timeout,omitempty"`
	} `json:"command"`
	StatusPollInterval string `json:"status_poll_interval,omitempty"`
}

// LoadLaunchConfig validates YAML from r against the CUE schema and decodes
// it to a LaunchConfig.
func LoadLaunchConfig(r io.Reader) (*LaunchConfig, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(cue.All(), cue.Concrete(true)); err != nil {
		return nil, err
	}

	var out LaunchConfig
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Env expands "$VAR"-prefixed values against the process environment and
// returns the command's environment in os/exec's KEY=VALUE form.
func (c LaunchConfig) Env() []string {
	env := make([]string, 0, len(c.Command.Env))
	for k, v := range c.Command.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return env
}
