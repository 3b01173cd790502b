package app

import (
	"schedgate/internal/config"
	"schedgate/internal/storage"
	logx "schedgate/pkg/logx"
)

// Migrate opens the configured store, which applies pending migrations, and
// closes it again. It returns the driver name.
func Migrate(cfgPath string) (string, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return "", err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return "", err
	}
	st, err := storage.Open(sc, logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "storage")))
	if err != nil {
		return "", err
	}
	return sc.Driver, st.Close()
}
