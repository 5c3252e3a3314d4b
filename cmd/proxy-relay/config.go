package main

import (
	"flag"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port                int     `yaml:"port"`
	OpsPort             int     `yaml:"opsPort"`
	Origin              string  `yaml:"origin"`
	Host                string  `yaml:"host"`
	DB                  string  `yaml:"db"`
	TimeoutSeconds      int     `yaml:"timeoutSeconds"`
	ServeStaleOnError   bool    `yaml:"serveStaleOnError"`
	RangeFallback       string  `yaml:"rangeFallback"`
	RevalidatePerSecond float64 `yaml:"revalidatePerSecond"`
}

func defaultConfig() Config {
	return Config{
		Port:           8080,
		OpsPort:        9090,
		DB:             "cache.db",
		TimeoutSeconds: 30,
	}
}

func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// applyFlags overrides config values with flags given on the command line.
func (c *Config) applyFlags() {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			c.Port = portFlag
		case "ops-port":
			c.OpsPort = opsPortFlag
		case "origin":
			c.Origin = originFlag
		case "host":
			c.Host = hostFlag
		case "db":
			c.DB = dbFilenameFlag
		case "serve-stale":
			c.ServeStaleOnError = serveStaleFlag
		}
	})
}
