package config // package config loads application configuration from environment variables

import (
    "log"     // log is used to report configuration errors and halt execution
    "os"      // os provides access to environment variables
    "strings" // strings splits list-valued variables
    "time"    // time parses durations

    "github.com/joho/godotenv" // godotenv loads a local .env file into the process env
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.  Durations are parsed with time.ParseDuration and
// integer knobs fall back to safe defaults when unset.
type Config struct {
    Env  string // application environment (e.g. "dev", "prod")
    Port string // HTTP port to listen on

    DBDriver      string // "mysql" in production, "sqlite" for local runs
    DBUser        string // database username
    DBPass        string // database password (optional)
    DBHost        string // database host address
    DBPort        string // database port number
    DBName        string // database name
    DBPath        string // sqlite file path when DBDriver is "sqlite"
    DBAutoMigrate bool   // apply embedded migrations on startup

    JWTSecret string // secret used to verify bearer tokens

    LockNamespace   string        // prefix of every lock key
    LockTTL         time.Duration // default TTL of a coordinator lock
    LockWait        time.Duration // how long blocking lock callers wait
    SeatLockTTL     time.Duration // TTL of a per-seat try-lock
    OrderGrace      time.Duration // unpaid orders older than this are expired
    JoinMaxAttempts int           // bounded retries of a busy group-buy join

    SweepInterval time.Duration // how often the stale-order sweeper runs
    SweepBatch    int           // orders loaded per sweep
    SweepWorkers  int           // orders processed concurrently per sweep

    RabbitURL string // broker used for order events; empty disables publishing

    Gateways map[string]string // gateway id -> notification signing secret
}

// Load reads configuration values from environment variables and returns a
// Config.  A .env file in the working directory is applied first when
// present.  Required variables are enforced by must() and missing values
// cause the program to exit with a fatal log message.
func Load() Config {
    _ = godotenv.Load() // a missing .env is fine; real env vars still apply

    cfg := Config{
        Env:             must("APP_ENV"),
        Port:            must("APP_PORT"),
        DBDriver:        envStr("DB_DRIVER", "mysql"),
        DBPass:          os.Getenv("DB_PASS"), // empty allowed
        DBAutoMigrate:   envBool("DB_AUTO_MIGRATE", false),
        JWTSecret:       must("JWT_SECRET"),
        LockNamespace:   envStr("LOCK_NAMESPACE", "lock"),
        LockTTL:         envDur("LOCK_TTL", 10*time.Second),
        LockWait:        envDur("LOCK_WAIT", 2*time.Second),
        SeatLockTTL:     envDur("SEAT_LOCK_TTL", 30*time.Second),
        OrderGrace:      time.Duration(envInt("ORDER_GRACE_MIN", 15)) * time.Minute,
        JoinMaxAttempts: envInt("JOIN_MAX_ATTEMPTS", 3),
        SweepInterval:   envDur("SWEEP_INTERVAL", time.Minute),
        SweepBatch:      envInt("SWEEP_BATCH", 100),
        SweepWorkers:    envInt("SWEEP_WORKERS", 4),
        RabbitURL:       envStr("RABBITMQ_URL", os.Getenv("AMQP_URL")),
        Gateways:        loadGateways(),
    }
    switch cfg.DBDriver {
    case "sqlite":
        cfg.DBPath = envStr("DB_PATH", "ticketmall.db")
    case "mysql":
        cfg.DBUser = must("DB_USER")
        cfg.DBHost = must("DB_HOST")
        cfg.DBPort = must("DB_PORT")
        cfg.DBName = must("DB_NAME")
    default:
        log.Fatalf("unsupported DB_DRIVER: %q", cfg.DBDriver)
    }
    if cfg.JoinMaxAttempts < 1 {
        cfg.JoinMaxAttempts = 1
    }
    return cfg
}

// loadGateways reads GATEWAY_IDS (comma separated) and the matching
// GATEWAY_<ID>_SECRET variables.  Every listed gateway needs a secret.
func loadGateways() map[string]string {
    out := map[string]string{}
    for _, id := range strings.Split(envStr("GATEWAY_IDS", "sandbox"), ",") {
        id = strings.TrimSpace(id)
        if id == "" {
            continue
        }
        out[id] = must("GATEWAY_" + strings.ToUpper(id) + "_SECRET")
    }
    return out
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
    v, ok := os.LookupEnv(key)
    if !ok || v == "" {
        log.Fatalf("missing required env var: %s", key)
    }
    return v
}
