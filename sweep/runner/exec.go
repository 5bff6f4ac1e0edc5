// Package runner executes the training command for a trial. The command
// gets the hyperparameters as JSON on stdin and as HPSCHED_ env vars, and
// must print the objective as the last line of stdout.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/hpsched/hpsched/sweep/coordinator"
	"github.com/hpsched/hpsched/sweep/domain"
)

const envPrefix = "HPSCHED_"

// NewExecTrainFunc wraps argv as a training callback. A non-zero exit or
// an unparsable final stdout line makes the trial broken.
func NewExecTrainFunc(argv []string) (coordinator.TrainFunc, error) {
	if len(argv) == 0 {
		return nil, errors.New("no training command given")
	}
	return func(ctx context.Context, cfg domain.Configuration) (float64, error) {
		return runOnce(ctx, argv, cfg)
	}, nil
}

func runOnce(ctx context.Context, argv []string, cfg domain.Configuration) (float64, error) {
	stdin, err := json.Marshal(cfg)
	if err != nil {
		return 0, errors.Wrap(err, "encoding hyperparameters")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Env = append(os.Environ(), configEnv(cfg)...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	log.Infof("Running %v for configuration %s", argv, cfg.Key())
	if err := cmd.Run(); err != nil {
		return 0, errors.Wrapf(err, "training command %s", argv[0])
	}
	return parseObjective(stdout.String())
}

// configEnv flattens the configuration into HPSCHED_<NAME> variables so
// shell wrappers can pick values without parsing JSON.
func configEnv(cfg domain.Configuration) []string {
	env := make([]string, 0, len(cfg))
	for name, value := range cfg {
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(name, ".", "_"))
		env = append(env, fmt.Sprintf("%s=%v", key, value))
	}
	return env
}

// parseObjective reads the objective from the last non-empty stdout line.
func parseObjective(output string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return 0, errors.New("training command printed no objective")
	}
	objective, err := strconv.ParseFloat(last, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing objective from %q", last)
	}
	return objective, nil
}
