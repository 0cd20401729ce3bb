package core

import (
	"fmt"

	"shardgo/schema"
	"shardgo/util"

	"github.com/spf13/viper"
)

var Config *ServerConfig
var StopChan = make(chan bool) // For test purposes

type Uberdog struct {
	Id        util.Doid_t
	Class     *schema.Class
	Anonymous bool
}

var Uberdogs []Uberdog

// Channels at or below this value are reserved for control traffic and
// well-known service channels; configured ranges may not reach into it.
const ReservedChannelMax = util.Channel_t(4095)

type Role struct {
	Type string
	Name string

	// CLIENT
	Bind    string
	Proxy   bool
	Version string
	Tuning  struct {
		Interest_Timeout int
	}
	Client struct {
		Write_Buffer_Size int
		Heartbeat_Timeout int
		Keepalive         int
	}
	Channels struct {
		Min util.Channel_t
		Max util.Channel_t
	}

	// STATESERVER
	Control int
	Objects []struct {
		ID    int
		Class string
	}
	DO_Preallocation_Amount int

	// DBSS
	Ranges struct {
		Min util.Channel_t
		Max util.Channel_t
	}
	Database util.Channel_t

	// DATABASE SERVER
	Generate struct {
		Min int
		Max int
	}
	Backend struct {
		Type string

		// MONGO BACKEND
		Server   string
		Database string

		// YAML BACKEND
		Directory string
	}

	// EVENT LOGGER
	Output         string
	RotateInterval string
}

type MDConfig struct {
	Bind    string
	Connect string

	// Seconds before an unclaimed routed datagram is dropped from the
	// replay pool.
	Message_Timeout int
}

type NetConfig struct {
	// Per-endpoint outbound datagram queue depth.
	Max_Queue_Size int
}

type ServerConfig struct {
	Daemon struct {
		Name string
	}
	General struct {
		Eventlogger  string
		Schema_Files []string
	}
	Uberdogs []struct {
		ID        int
		Class     string
		Anonymous bool
	}
	MessageDirector MDConfig
	Net             NetConfig
	Debug           struct {
		Pprof bool
	}
	Roles []Role
}

func LoadConfig(path string, name string) (err error) {
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(path)
	viper.SetConfigName(name)

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("unable to load configuration file: %v", err)
	}

	conf := &ServerConfig{}
	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("unable to decode configuration file: %v", err)
	}

	if err := conf.Validate(); err != nil {
		return err
	}

	Config = conf
	return nil
}

// MaxQueueSize returns the configured per-endpoint outbound queue depth,
// or 0 to let the net layer apply its default.
func MaxQueueSize() int {
	if Config != nil && Config.Net.Max_Queue_Size > 0 {
		return Config.Net.Max_Queue_Size
	}
	return 0
}

// Validate rejects channel ranges that are inverted or that collide with
// the reserved service band.
func (c *ServerConfig) Validate() error {
	for _, role := range c.Roles {
		switch role.Type {
		case "clientagent":
			if role.Channels.Min > role.Channels.Max {
				return fmt.Errorf("role %s: channel range %d-%d is inverted",
					role.Name, role.Channels.Min, role.Channels.Max)
			}
			if role.Channels.Min != 0 && role.Channels.Min <= ReservedChannelMax {
				return fmt.Errorf("role %s: channel range %d-%d overlaps the reserved band",
					role.Name, role.Channels.Min, role.Channels.Max)
			}
		case "dbss":
			if role.Ranges.Min > role.Ranges.Max {
				return fmt.Errorf("role %s: doid range %d-%d is inverted",
					role.Name, role.Ranges.Min, role.Ranges.Max)
			}
		case "database":
			if role.Generate.Min > role.Generate.Max {
				return fmt.Errorf("role %s: generate range %d-%d is inverted",
					role.Name, role.Generate.Min, role.Generate.Max)
			}
		}
	}
	return nil
}
