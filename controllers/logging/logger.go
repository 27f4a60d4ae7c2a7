package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/bombsimon/logrusr/v2"
	"github.com/go-logr/logr"
	"github.com/sirupsen/logrus"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
)

const logLevelEnvVar = "LOG_LEVEL"

var CurrentLogLevel = logrus.ErrorLevel

func getLogLevelFromEnv() (logrus.Level, error) {
	logLevel, found := os.LookupEnv(logLevelEnvVar)
	if !found {
		return logrus.ErrorLevel, nil
	}

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return logrus.ErrorLevel, fmt.Errorf("value of log environment variable [%s] is not a valid log level: %w", logLevelEnvVar, err)
	}

	return level, nil
}

// ConfigureLogger installs a logrus backed logger as controller-runtime and klog logger. Log output is written
// to the given writer so that it does not interfere with the verification report.
func ConfigureLogger(out io.Writer) (logr.Logger, error) {
	level, err := getLogLevelFromEnv()
	if err != nil {
		return logr.Discard(), err
	}

	// create logrus logger that can be styled and formatted
	logrusLog := logrus.New()
	logrusLog.SetFormatter(&logrus.TextFormatter{})
	logrusLog.SetLevel(level)
	logrusLog.SetOutput(out)

	CurrentLogLevel = level

	// convert logrus logger to logr logger
	logrusLogrLogger := logrusr.New(logrusLog)

	// set logr logger as controller logger
	ctrl.SetLogger(logrusLogrLogger)

	// client-go decoding reports through klog
	klog.SetLogger(logrusLogrLogger.WithName("client-go"))

	return logrusLogrLogger, nil
}
