package launcher

import (
	"flag"
	"fmt"
)

type Info struct {
	ConfigPath string
	LogLevel   int
	LogPath    string
}

func NewInfoFromFlags() *Info {
	configPath := flag.String(
		"config", "config.json", "Path to the JSON config file")
	logLevel := flag.Int(
		"log-level", 0, "Log level: -1 - Debug, 0 - Info, 1 - Warn, 2 - Error")
	logPath := flag.String(
		"log-path",
		"",
		"Directory to the logs, otherwise will use working directory and add 'logs' to that path")

	flag.Parse()

	return &Info{
		ConfigPath: *configPath,
		LogLevel:   *logLevel,
		LogPath:    *logPath,
	}
}

func (c *Info) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("--config is required and cannot be empty")
	}

	return nil
}
