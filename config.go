package pihub

import (
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// Filesystem locations that will be checked for a config file by default.
var defaultSearchPaths = []string{
	".",
	"/usr/local/etc/pihub/",
	"setup/",
}

// LoadConfig reads the YAML config file from one of the default search
// paths and seeds viper with defaults for any omitted options.
func LoadConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	for _, path := range defaultSearchPaths {
		viper.AddConfigPath(path)
	}

	viper.SetDefault("hostname", "0.0.0.0")
	viper.SetDefault("port", "65002")
	viper.SetDefault("max_clients", 5)
	viper.SetDefault("max_pending", 10)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_file_path", "")
	viper.SetDefault("debug_mode", false)
	viper.SetDefault("web.http_port", "8081")
	viper.SetDefault("dispatcher.delimiter", " ")
	viper.SetDefault("net_interface", "wlan0")
	viper.SetDefault("i2c_adapter", 1)
	viper.SetDefault("gpio_chip", "gpiochip0")
	viper.SetDefault("sensor_addrs", []int{0x76})
	viper.SetDefault("sensor_cache_ttl", "2s")

	return viper.ReadInConfig()
}

// Config is a point-in-time snapshot of the server configuration, used
// for the startup banner and debug dumps. The running code reads viper
// directly so that the snapshot can stay immutable.
type Config struct {
	Hostname    string `yaml:"hostname"`
	Port        string `yaml:"port"`
	MaxClients  int    `yaml:"max_clients"`
	MaxPending  int    `yaml:"max_pending"`
	LogLevel    string `yaml:"log_level"`
	LogFilePath string `yaml:"log_file_path"`
	DebugMode   bool   `yaml:"debug_mode"`

	Dispatcher struct {
		Delimiter string `yaml:"delimiter"`
	} `yaml:"dispatcher"`

	NetInterface   string `yaml:"net_interface"`
	I2CAdapter     int    `yaml:"i2c_adapter"`
	GPIOChip       string `yaml:"gpio_chip"`
	SensorAddrs    []int  `yaml:"sensor_addrs"`
	SensorCacheTTL string `yaml:"sensor_cache_ttl"`

	Web struct {
		HTTPPort string `yaml:"http_port"`
	} `yaml:"web"`
}

// ConfigSnapshot returns the currently loaded configuration values.
func ConfigSnapshot() *Config {
	c := &Config{
		Hostname:       viper.GetString("hostname"),
		Port:           viper.GetString("port"),
		MaxClients:     viper.GetInt("max_clients"),
		MaxPending:     viper.GetInt("max_pending"),
		LogLevel:       viper.GetString("log_level"),
		LogFilePath:    viper.GetString("log_file_path"),
		DebugMode:      viper.GetBool("debug_mode"),
		NetInterface:   viper.GetString("net_interface"),
		I2CAdapter:     viper.GetInt("i2c_adapter"),
		GPIOChip:       viper.GetString("gpio_chip"),
		SensorAddrs:    viper.GetIntSlice("sensor_addrs"),
		SensorCacheTTL: viper.GetString("sensor_cache_ttl"),
	}
	c.Dispatcher.Delimiter = viper.GetString("dispatcher.delimiter")
	c.Web.HTTPPort = viper.GetString("web.http_port")
	return c
}

// String renders the configuration as YAML for the startup banner.
func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	return string(out)
}
