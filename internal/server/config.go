package server

import (
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Host           string
	Port           int
	ReadBufferSize int

	// Master address, set when the replicaof environment variable is
	// present. Empty host means the server runs as master.
	MasterHost string
	MasterPort int
}

func (c *Config) IsReplica() bool {
	return c.MasterHost != ""
}

// NewEnv returns the viper instance that backs role selection and the
// CONFIG GET surface. Names are read from the process environment verbatim;
// no configuration file is consulted. replicaof is bound in both spellings
// because AutomaticEnv alone only consults the upper-cased name.
func NewEnv() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.BindEnv("replicaof", "replicaof", "REPLICAOF")
	return v
}

// FromEnv builds the server config from the bind address and the
// environment. replicaof carries "host port".
func FromEnv(env *viper.Viper, host string, port int) *Config {
	cfg := &Config{
		Host:           host,
		Port:           port,
		ReadBufferSize: 4096,
	}

	if replicaof := env.GetString("replicaof"); replicaof != "" {
		fields := strings.Fields(replicaof)
		if len(fields) == 2 {
			if p, err := strconv.Atoi(fields[1]); err == nil {
				cfg.MasterHost = fields[0]
				cfg.MasterPort = p
			}
		}
	}

	return cfg
}
