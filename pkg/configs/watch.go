package configs

import (
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// RuntimeConfig holds the settings that can change while the process runs.
type RuntimeConfig struct {
	viper  *viper.Viper
	logger *logrus.Logger
}

// WatchRuntimeConfig loads file and applies its log-level to logger, then keeps
// applying it every time the file changes.
func WatchRuntimeConfig(file string, logger *logrus.Logger) (*RuntimeConfig, error) {
	v := viper.New()
	v.SetConfigFile(file)
	err := v.ReadInConfig()
	if err != nil {
		return nil, errors.Wrap(err, "error reading in runtime config file")
	}

	rc := &RuntimeConfig{
		viper:  v,
		logger: logger,
	}

	err = rc.apply()
	if err != nil {
		return nil, errors.Wrap(err, "error applying runtime config")
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Infof("runtime config file changed: %s", e.Name)
		if err := rc.apply(); err != nil {
			logger.WithError(err).Error("could not apply runtime config")
		}
	})

	return rc, nil
}

func (rc *RuntimeConfig) apply() error {
	lvl := rc.viper.GetString("log-level")
	if lvl == "" {
		return nil
	}

	level, err := logrus.ParseLevel(lvl)
	if err != nil {
		return err
	}

	if level != rc.logger.GetLevel() {
		rc.logger.Infof("setting log level to %v", level)
		rc.logger.SetLevel(level)
	}

	return nil
}
