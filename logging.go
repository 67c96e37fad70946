package pihub

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Log is the global, threadsafe logger that can be used by any package.
// It defaults to a stderr logger at Info level until InitLogger is called.
var Log = logrus.New()

// InitLogger configures the global logger and should be called on startup
// after the configuration has been loaded.
func InitLogger() error {
	var w io.Writer

	logFile := viper.GetString("log_file_path")

	if logFile == "" {
		w = os.Stdout
	} else {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", logFile, err)
		}
		w = f
	}

	logLvl, err := logrus.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	Log.SetOutput(w)
	Log.SetLevel(logLvl)
	Log.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
		DisableSorting:  true,
	})

	return nil
}
