package localcap

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pipewright/pipewright/internal/port/capability"
)

func init() {
	capability.Register(providerName, func(cfg map[string]string) (capability.Provider, error) {
		root := cfg["root"]
		if root == "" {
			root = "./workspace"
		}

		maxConcurrent := 4
		if v := cfg["max_concurrent_exec"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("localcap: invalid max_concurrent_exec %q: %w", v, err)
			}
			maxConcurrent = n
		}

		execTimeout := 60 * time.Second
		if v := cfg["exec_timeout"]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("localcap: invalid exec_timeout %q: %w", v, err)
			}
			execTimeout = d
		}

		return NewProvider(root, maxConcurrent, execTimeout)
	})
}
