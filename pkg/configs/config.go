package configs

import (
	"flag"
	"fmt"
	"strings"

	"github.com/peterbourgon/ff"
)

type Config struct {
	Port        int
	RedisURL    string
	CounterKey  string
	ServiceName string
	Datastore   string
	Cassandra   CassandraConfig
	DebugAddr   string
	GrpcAddr    string
	LogLevel    string
	LogFormat   string
	ConfigFile  string
}

type CassandraConfig struct {
	Hosts    []string
	Keyspace string
}

// ListenAddr is the address the counter http server binds to.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Parse reads the configuration from args and, for every flag not set on the
// command line, from the environment variable named after it (redis-url is
// read from REDIS_URL).
func Parse(name string, args []string) (Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	var (
		port              = fs.Int("port", 3000, "http listen port")
		redisURL          = fs.String("redis-url", "redis://localhost:6379", "redis connection string")
		counterKey        = fs.String("counter-key", "global:hits", "key of the counter incremented on every request")
		serviceName       = fs.String("service-name", "node-redis-counter", "service name reported in responses")
		datastore         = fs.String("datastore", "redis", "datastore type (redis/cassandra)")
		cassandraHosts    = fs.String("cassandra-hosts", "", "comma separated cassandra hosts")
		cassandraKeyspace = fs.String("cassandra-keyspace", "counter", "cassandra keyspace")
		debugAddress      = fs.String("debug-addr", ":9090", "debug address for metrics, empty disables it")
		grpcAddress       = fs.String("grpc-addr", "", "grpc health address, empty disables it")
		logLevel          = fs.String("log-level", "info", "log level (panic, fatal, error, warn, info, debug, trace)")
		logFormat         = fs.String("log-format", "text", "log format (text/json)")
		configFile        = fs.String("config-file", "", "optional yaml file with settings reloaded at runtime")
	)

	var config Config
	// env values are taken as given, commas included
	if err := ff.Parse(fs, args, ff.WithEnvVarNoPrefix(), ff.WithEnvVarIgnoreCommas(true)); err != nil {
		return config, err
	}

	config.Port = *port
	config.RedisURL = *redisURL
	config.CounterKey = *counterKey
	config.ServiceName = *serviceName
	config.Datastore = *datastore
	config.Cassandra.Hosts = splitHosts(*cassandraHosts)
	config.Cassandra.Keyspace = *cassandraKeyspace
	config.DebugAddr = *debugAddress
	config.GrpcAddr = *grpcAddress
	config.LogLevel = *logLevel
	config.LogFormat = *logFormat
	config.ConfigFile = *configFile

	return config, config.validate()
}

func (c Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	switch c.Datastore {
	case "redis":
	case "cassandra":
		if len(c.Cassandra.Hosts) == 0 {
			return fmt.Errorf("cassandra datastore requires at least one host")
		}
	default:
		return fmt.Errorf("invalid datastore %s", c.Datastore)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %s", c.LogFormat)
	}

	return nil
}

func splitHosts(s string) []string {
	var hosts []string
	for _, h := range strings.Split(s, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}
