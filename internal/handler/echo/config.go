package echo

import (
	"gopkg.in/yaml.v3"

	"github.com/metresearchgroup/bskybackfill/internal/skerr"
)

func parseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, skerr.Wrapf(err, "parsing echo-1 config")
	}
	return cfg, nil
}
