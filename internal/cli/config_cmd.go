package cli

import (
	"encoding/json"
	"runtime"

	"emalign/internal/config"
)

func (r *Root) configShow() error {
	r.printf("Config file: %s\n\n", config.Path())
	b, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	r.printf("%s\n", b)
	r.printf("\nEffective workers: %d\n", r.cfg.Processing.Workers())
	return nil
}

func (r *Root) configValidate() error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	r.printf("Configuration OK\n")
	return nil
}

func (r *Root) cmdVersion() error {
	r.printf("emalign %s\n", Version)
	r.printf("Built with Go %s\n", runtime.Version())
	r.printf("Correlation engines: %v\n", r.engines.Names())
	return nil
}
