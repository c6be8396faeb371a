package logging

type Category string
type SubCategory string
type ExtraKey string

const (
	General    Category = "General"
	IO         Category = "IO"
	Internal   Category = "Internal"
	Resolver   Category = "Resolver"
	Relay      Category = "Relay"
	Health     Category = "Health"
	Prometheus Category = "Prometheus"
)

const (
	// General
	Startup  SubCategory = "Startup"
	Shutdown SubCategory = "Shutdown"

	// Resolver
	Rebalance   SubCategory = "Rebalance"
	Assignment  SubCategory = "Assignment"
	Persistence SubCategory = "Persistence"

	// Relay
	PoolBorrow SubCategory = "PoolBorrow"
	Forward    SubCategory = "Forward"

	// Health
	Liveness SubCategory = "Liveness"
)

const (
	AppName      ExtraKey = "AppName"
	LoggerName   ExtraKey = "Logger"
	MetricName   ExtraKey = "MetricName"
	BackendAddr  ExtraKey = "BackendAddr"
	ListenAddr   ExtraKey = "ListenAddr"
	Count        ExtraKey = "Count"
	Path         ExtraKey = "Path"
	Latency      ExtraKey = "Latency"
	FailureCount ExtraKey = "FailureCount"
	ErrorMessage ExtraKey = "ErrorMessage"
)
