// Package logging builds the process-wide zap logger and holds the shared
// field-name constants so log output stays greppable across components.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names. Use these instead of raw strings.
const (
	FieldJobID     = "job_id"
	FieldPermitID  = "permit_id"
	FieldDivision  = "division_id"
	FieldStatus    = "status"
	FieldAttempts  = "attempts"
	FieldRange     = "range"
	FieldComponent = "component"
	FieldError     = "error"
)

// New returns a sugared production logger, or a development logger when
// debug is set.
func New(debug bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// Nop returns a logger that discards everything. Used in tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
