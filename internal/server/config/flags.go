package config

import (
	"flag"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-g string   gRPC bind address (e.g., ":50051")
//	-d string   storage DSN
//	-s string   master secret (source=config)
//	-j string   JWT HMAC secret
//	-t int      intent token validity, minutes
//	-x int      intent TTL, minutes
//	-q string   settlement queue driver (memory|redis)
//	-r string   Redis address
//	-l string   log level
//
// Notes:
//   - os.Args is filtered to the flags handled here with flagx.FilterArgs,
//     so flags owned by other components do not collide.
//   - Duration flags are integers in minutes.
func parseFlags(config *Config, args []string) error {
	args = flagx.FilterArgs(args, []string{"-a", "-g", "-d", "-s", "-j", "-t", "-x", "-q", "-r", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "HTTP address and port")
	fs.StringVar(&config.GRPCAddr, "g", config.GRPCAddr, "gRPC address and port")
	fs.StringVar(&config.Storage.DSN, "d", config.Storage.DSN, "storage DSN")
	fs.StringVar(&config.Secret.MasterSecret, "s", config.Secret.MasterSecret, "master secret")
	fs.StringVar(&config.Security.JWTSecret, "j", config.Security.JWTSecret, "JWT secret")

	tokenValidity := fs.Int("t", int(config.Security.TokenValidity.Minutes()), "intent token validity (in minutes)")
	intentTTL := fs.Int("x", int(config.Intents.TTL.Minutes()), "intent TTL (in minutes)")

	fs.StringVar(&config.Queue.Driver, "q", config.Queue.Driver, "settlement queue driver")
	fs.StringVar(&config.Queue.RedisAddr, "r", config.Queue.RedisAddr, "Redis address")
	fs.StringVar(&config.Log.Level, "l", config.Log.Level, "log level")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "t":
			config.Security.TokenValidity = time.Duration(*tokenValidity) * time.Minute
		case "x":
			config.Intents.TTL = time.Duration(*intentTTL) * time.Minute
		}
	})

	return nil
}
