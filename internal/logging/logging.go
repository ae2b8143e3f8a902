package logging

import (
	"errors"

	"go.uber.org/zap"
)

// New builds the process logger for the given mode and installs it as the
// zap global.
func New(mode string) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error
	if mode == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, errors.New("create logger: " + err.Error())
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}
